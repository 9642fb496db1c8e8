package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketflow/logger"
	"marketflow/models"
)

// ErrNotFound is returned when no ticker has been mirrored for a key.
var ErrNotFound = errors.New("redis: ticker not found")

// PriceCache mirrors tickers as hashes at "ticker:{exchange}:{symbol}" with
// fields price, bid, ask and ts (unix nanoseconds). Store only records the
// latest update per key; Run writes them in one pipeline per interval so the
// read loops never wait on Redis.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Entry

	mu      sync.Mutex
	pending map[string]models.TickerUpdate
}

// NewPriceCache returns a cache writing through c. A zero ttl keeps keys
// forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{
		rdb:     c.rdb,
		ttl:     ttl,
		log:     logger.GetLogger().WithComponent("redis_price_cache"),
		pending: make(map[string]models.TickerUpdate),
	}
}

func tickerKey(exchange models.ExchangeID, symbol string) string {
	return "ticker:" + string(exchange) + ":" + symbol
}

// Store queues u, replacing any queued update for the same key.
func (pc *PriceCache) Store(u models.TickerUpdate) {
	pc.mu.Lock()
	pc.pending[tickerKey(u.Exchange, u.Symbol)] = u
	pc.mu.Unlock()
}

func (pc *PriceCache) drain() map[string]models.TickerUpdate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.pending) == 0 {
		return nil
	}
	out := pc.pending
	pc.pending = make(map[string]models.TickerUpdate, len(out))
	return out
}

// Flush writes every queued update.
func (pc *PriceCache) Flush(ctx context.Context) error {
	batch := pc.drain()
	if len(batch) == 0 {
		return nil
	}

	pipe := pc.rdb.Pipeline()
	for key, u := range batch {
		pipe.HSet(ctx, key, map[string]interface{}{
			"price": strconv.FormatFloat(u.Price, 'f', -1, 64),
			"bid":   strconv.FormatFloat(u.Bid, 'f', -1, 64),
			"ask":   strconv.FormatFloat(u.Ask, 'f', -1, 64),
			"ts":    strconv.FormatInt(u.Timestamp.UnixNano(), 10),
		})
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: flush %d tickers: %w", len(batch), err)
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (pc *PriceCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := pc.Flush(flushCtx); err != nil {
				pc.log.WithError(err).Warn("final flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := pc.Flush(ctx); err != nil {
				pc.log.WithError(err).Warn("failed to mirror tickers")
			}
		}
	}
}

// Get reads a mirrored ticker back. Only price, bid, ask and timestamp are
// stored.
func (pc *PriceCache) Get(ctx context.Context, exchange models.ExchangeID, symbol string) (models.TickerUpdate, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickerKey(exchange, symbol)).Result()
	if err != nil {
		return models.TickerUpdate{}, fmt.Errorf("redis: get ticker %s %s: %w", exchange, symbol, err)
	}
	if len(vals) == 0 {
		return models.TickerUpdate{}, ErrNotFound
	}

	u := models.TickerUpdate{Exchange: exchange, Symbol: symbol}
	for field, dst := range map[string]*float64{"price": &u.Price, "bid": &u.Bid, "ask": &u.Ask} {
		if v, ok := vals[field]; ok {
			if *dst, err = strconv.ParseFloat(v, 64); err != nil {
				return models.TickerUpdate{}, fmt.Errorf("redis: parse %s %s %s: %w", field, exchange, symbol, err)
			}
		}
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return models.TickerUpdate{}, fmt.Errorf("redis: parse ts %s %s: %w", exchange, symbol, err)
	}
	u.Timestamp = time.Unix(0, ts)
	return u, nil
}
