package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"marketflow/internal/events"
	"marketflow/internal/metrics"
	"marketflow/logger"
	"marketflow/models"
)

const defaultStatsTTL = 100 * time.Millisecond

// ManagerConfig tunes the manager and the books it creates.
type ManagerConfig struct {
	StatsTTL   time.Duration
	MaxPending int
	MaxGapAge  time.Duration
	Clock      clock.Clock
}

// ResyncRequest asks the owner of a feed to deliver a fresh snapshot.
type ResyncRequest struct {
	Exchange models.ExchangeID
	Symbol   string
	Gap      models.SequenceGapError
}

type entry struct {
	writeMu sync.Mutex
	book    *Book
	subs    *events.Hub[*Book]

	cacheMu  sync.Mutex
	cached   *models.BookStats
	cachedAt time.Time
}

// Manager owns every local book and fans mutations out to subscribers.
// Mutations for one key are serialised; different keys proceed in parallel.
type Manager struct {
	mu      sync.RWMutex
	entries map[models.BookKey]*entry

	statsTTL time.Duration
	clock    clock.Clock
	bookOpts Options

	resync *events.Hub[ResyncRequest]
	log    *logger.Log
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = defaultStatsTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	m := &Manager{
		entries:  make(map[models.BookKey]*entry),
		statsTTL: cfg.StatsTTL,
		clock:    cfg.Clock,
		bookOpts: Options{MaxPending: cfg.MaxPending, MaxGapAge: cfg.MaxGapAge, Clock: cfg.Clock},
		resync:   events.NewHub[ResyncRequest](),
		log:      logger.GetLogger(),
	}
	m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
		"stats_ttl":   cfg.StatsTTL.String(),
		"max_pending": m.bookOpts.withDefaults().MaxPending,
	}).Debug("order book manager initialized")
	return m
}

func (m *Manager) entry(key models.BookKey, create bool) *entry {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok || !create {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[key]; ok {
		return e
	}
	e = &entry{
		book: NewBook(key.Exchange, key.Symbol, m.bookOpts),
		subs: events.NewHub[*Book](),
	}
	m.entries[key] = e
	return e
}

// Book returns the book for exchange and symbol, creating it when absent.
func (m *Manager) Book(exchange models.ExchangeID, symbol string) *Book {
	return m.entry(models.BookKey{Exchange: exchange, Symbol: symbol}, true).book
}

// InitializeBook loads snapshot into its book and notifies subscribers.
func (m *Manager) InitializeBook(snapshot models.OrderBookSnapshot) error {
	if snapshot.Exchange == "" || snapshot.Symbol == "" {
		return fmt.Errorf("snapshot exchange and symbol are required")
	}
	e := m.entry(models.BookKey{Exchange: snapshot.Exchange, Symbol: snapshot.Symbol}, true)

	e.writeMu.Lock()
	e.book.Initialize(snapshot)
	e.invalidate()
	e.subs.Publish(e.book)
	e.writeMu.Unlock()

	m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
		"exchange": snapshot.Exchange,
		"symbol":   snapshot.Symbol,
		"sequence": snapshot.Sequence,
		"bids":     len(snapshot.Bids),
		"asks":     len(snapshot.Asks),
	}).Debug("order book initialized")
	return nil
}

// ApplyDelta routes delta to its book. It reports whether the delta was
// applied. Gaps are reported as *models.SequenceGapError; when the gap policy
// gives up, resync subscribers are notified.
func (m *Manager) ApplyDelta(delta models.OrderBookDelta) (bool, error) {
	if delta.Exchange == "" || delta.Symbol == "" {
		return false, fmt.Errorf("delta exchange and symbol are required")
	}
	e := m.entry(models.BookKey{Exchange: delta.Exchange, Symbol: delta.Symbol}, true)

	e.writeMu.Lock()
	applied, err := e.book.ApplyDelta(delta)
	if applied {
		e.invalidate()
		e.subs.Publish(e.book)
	}
	e.writeMu.Unlock()

	exchange := string(delta.Exchange)
	if err == nil {
		if !applied {
			metrics.EmitDropMetric(m.log, metrics.DropMetricStaleDelta, exchange, "", delta.Symbol, "orderbook")
		}
		return applied, nil
	}

	var gapErr *models.SequenceGapError
	if errors.As(err, &gapErr) {
		metrics.RecordBookGap(exchange)
		if gapErr.ResyncRequired {
			m.requestResync(gapErr)
		}
	}
	return false, err
}

func (m *Manager) requestResync(gapErr *models.SequenceGapError) {
	exchange := string(gapErr.Exchange)
	metrics.RecordBookResync(exchange)
	metrics.EmitDropMetric(m.log, metrics.DropMetricGapOverflow, exchange, "", gapErr.Symbol, "orderbook")
	m.log.WithComponent("orderbook_manager").WithFields(logger.Fields{
		"exchange": gapErr.Exchange,
		"symbol":   gapErr.Symbol,
		"expected": gapErr.Expected,
		"got":      gapErr.Got,
		"pending":  gapErr.Pending,
	}).Warn("sequence gap did not close, requesting resync")
	m.resync.Publish(ResyncRequest{Exchange: gapErr.Exchange, Symbol: gapErr.Symbol, Gap: *gapErr})
}

func (m *Manager) expireGap(e *entry) {
	e.writeMu.Lock()
	gapErr := e.book.ExpireGap()
	if gapErr != nil {
		e.invalidate()
	}
	e.writeMu.Unlock()
	if gapErr != nil {
		m.requestResync(gapErr)
	}
}

// CheckGaps gives up on every gap older than the configured age, so a feed
// that went quiet behind a gap is still resynced.
func (m *Manager) CheckGaps() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		m.expireGap(e)
	}
}

// Run calls CheckGaps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckGaps()
		}
	}
}

// Subscribe calls fn synchronously after every successful mutation of the
// book for exchange and symbol. The returned func unsubscribes.
func (m *Manager) Subscribe(exchange models.ExchangeID, symbol string, fn func(*Book)) func() {
	e := m.entry(models.BookKey{Exchange: exchange, Symbol: symbol}, true)
	return e.subs.Subscribe(fn)
}

// OnResync registers fn to be told when a book needs a fresh snapshot.
func (m *Manager) OnResync(fn func(ResyncRequest)) func() {
	return m.resync.Subscribe(fn)
}

// Stats returns the book statistics, recomputing them at most once per TTL.
func (m *Manager) Stats(exchange models.ExchangeID, symbol string) (models.BookStats, error) {
	e := m.entry(models.BookKey{Exchange: exchange, Symbol: symbol}, false)
	if e == nil {
		return models.BookStats{}, fmt.Errorf("%s %s: %w", exchange, symbol, models.ErrBookNotFound)
	}
	m.expireGap(e)

	now := m.clock.Now()
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cached != nil && now.Sub(e.cachedAt) < m.statsTTL {
		return *e.cached, nil
	}
	stats := e.book.Stats()
	e.cached = &stats
	e.cachedAt = now
	return stats, nil
}

func (e *entry) invalidate() {
	e.cacheMu.Lock()
	e.cached = nil
	e.cacheMu.Unlock()
}

// CalculateMarketImpact estimates execution of size against the book.
func (m *Manager) CalculateMarketImpact(exchange models.ExchangeID, symbol string, size float64, side models.Side) (models.MarketImpact, error) {
	e := m.entry(models.BookKey{Exchange: exchange, Symbol: symbol}, false)
	if e == nil {
		return models.MarketImpact{}, fmt.Errorf("%s %s: %w", exchange, symbol, models.ErrBookNotFound)
	}
	return e.book.CalculateMarketImpact(size, side)
}

// AggregatedView compares the top of book for symbol across exchanges. Books
// that are missing or crossed are skipped.
func (m *Manager) AggregatedView(symbol string, exchanges []models.ExchangeID) models.AggregatedView {
	view := models.AggregatedView{Symbol: symbol}
	for _, ex := range exchanges {
		e := m.entry(models.BookKey{Exchange: ex, Symbol: symbol}, false)
		if e == nil || !e.book.IsValid() {
			continue
		}
		stats := e.book.Stats()
		if stats.BestBid == nil && stats.BestAsk == nil {
			continue
		}
		view.Exchanges++
		view.BidLiquidity += stats.BidLiquidity
		view.AskLiquidity += stats.AskLiquidity
		if stats.BestBid != nil && stats.BestBid.Price > view.BestBid {
			view.BestBid = stats.BestBid.Price
			view.BestBidFrom = ex
		}
		if stats.BestAsk != nil && (view.BestAsk == 0 || stats.BestAsk.Price < view.BestAsk) {
			view.BestAsk = stats.BestAsk.Price
			view.BestAskFrom = ex
		}
	}
	return view
}

// RemoveBook drops the book and its subscribers.
func (m *Manager) RemoveBook(exchange models.ExchangeID, symbol string) bool {
	key := models.BookKey{Exchange: exchange, Symbol: symbol}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

// Keys lists every book currently held, ordered by exchange then symbol.
func (m *Manager) Keys() []models.BookKey {
	m.mu.RLock()
	keys := make([]models.BookKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Exchange != keys[j].Exchange {
			return keys[i].Exchange < keys[j].Exchange
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}
