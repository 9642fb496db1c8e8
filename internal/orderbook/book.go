package orderbook

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"marketflow/models"
)

const (
	defaultMaxPending = 1000
	defaultMaxGapAge  = 5 * time.Second
)

// State tracks how far a book can be trusted.
type State int

const (
	Uninitialized State = iota
	Initialized
	// Degraded means at least one delta is buffered behind a sequence gap.
	Degraded
	// Resynced means a gap was closed, either by the missing delta or by a
	// fresh snapshot.
	Resynced
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Degraded:
		return "degraded"
	case Resynced:
		return "resynced"
	default:
		return "unknown"
	}
}

// Options tunes the gap buffer of a book.
type Options struct {
	// MaxPending is the number of buffered deltas after which the buffer is
	// discarded and a resync is requested.
	MaxPending int
	// MaxGapAge is how long the oldest buffered delta may wait for the gap to
	// close before a resync is requested.
	MaxGapAge time.Duration
	Clock     clock.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxPending <= 0 {
		o.MaxPending = defaultMaxPending
	}
	if o.MaxGapAge <= 0 {
		o.MaxGapAge = defaultMaxGapAge
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Book is the local order book for one (exchange, symbol). Readers may call
// any method concurrently; writers should be serialised by the caller, which
// the Manager does per key.
type Book struct {
	mu sync.RWMutex

	exchange models.ExchangeID
	symbol   string
	opts     Options

	bids *LevelSet
	asks *LevelSet

	state        State
	lastSequence int64
	updatedAt    time.Time

	pending     map[int64]models.OrderBookDelta
	gapSince    time.Time
	needsResync bool
}

// NewBook creates an uninitialised book.
func NewBook(exchange models.ExchangeID, symbol string, opts Options) *Book {
	return &Book{
		exchange: exchange,
		symbol:   symbol,
		opts:     opts.withDefaults(),
		bids:     NewBids(),
		asks:     NewAsks(),
		pending:  make(map[int64]models.OrderBookDelta),
	}
}

// Initialize replaces the book with snapshot and replays buffered deltas that
// follow it contiguously.
func (b *Book) Initialize(snapshot models.OrderBookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasDegraded := b.state == Degraded || b.needsResync

	b.bids.Replace(snapshot.Bids)
	b.asks.Replace(snapshot.Asks)
	b.lastSequence = snapshot.Sequence
	b.needsResync = false
	b.touch(snapshot.Timestamp)

	for seq := range b.pending {
		if seq <= b.lastSequence {
			delete(b.pending, seq)
		}
	}
	b.replayPending()

	switch {
	case len(b.pending) > 0:
		b.state = Degraded
		b.gapSince = b.opts.Clock.Now()
	case wasDegraded:
		b.state = Resynced
		b.gapSince = time.Time{}
	default:
		b.state = Initialized
		b.gapSince = time.Time{}
	}
}

// ApplyDelta applies delta when it directly follows the last sequence and
// reports true. Stale or duplicate deltas are dropped and report false with
// no error. Deltas ahead of the next expected sequence are buffered and
// reported with a *models.SequenceGapError.
func (b *Book) ApplyDelta(delta models.OrderBookDelta) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Uninitialized {
		return false, b.buffer(delta, 0)
	}

	switch {
	case delta.Sequence <= b.lastSequence:
		return false, nil
	case delta.Sequence == b.lastSequence+1:
		b.apply(delta)
		b.replayPending()
		if len(b.pending) == 0 && b.state == Degraded {
			b.state = Resynced
			b.gapSince = time.Time{}
		}
		return true, nil
	default:
		return false, b.buffer(delta, b.lastSequence+1)
	}
}

func (b *Book) apply(delta models.OrderBookDelta) {
	b.bids.BatchUpdate(delta.Bids)
	b.asks.BatchUpdate(delta.Asks)
	b.lastSequence = delta.Sequence
	b.touch(delta.Timestamp)
}

func (b *Book) replayPending() {
	for {
		next, ok := b.pending[b.lastSequence+1]
		if !ok {
			return
		}
		delete(b.pending, next.Sequence)
		b.apply(next)
	}
}

// buffer parks delta behind a gap and enforces the resync policy.
func (b *Book) buffer(delta models.OrderBookDelta, expected int64) error {
	now := b.opts.Clock.Now()

	b.pending[delta.Sequence] = delta
	if b.gapSince.IsZero() {
		b.gapSince = now
	}
	if b.state != Uninitialized {
		b.state = Degraded
	}

	gapErr := &models.SequenceGapError{
		Exchange: b.exchange,
		Symbol:   b.symbol,
		Expected: expected,
		Got:      delta.Sequence,
		Pending:  len(b.pending),
	}

	if len(b.pending) > b.opts.MaxPending || now.Sub(b.gapSince) > b.opts.MaxGapAge {
		clear(b.pending)
		b.gapSince = time.Time{}
		b.needsResync = true
		gapErr.ResyncRequired = true
	}
	return gapErr
}

// ExpireGap applies the gap age limit without waiting for another delta. It
// returns the gap that was given up on, or nil while buffered deltas are still
// young enough to close it.
func (b *Book) ExpireGap() *models.SequenceGapError {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 || b.gapSince.IsZero() {
		return nil
	}
	if b.opts.Clock.Now().Sub(b.gapSince) <= b.opts.MaxGapAge {
		return nil
	}

	var expected int64
	if b.state != Uninitialized {
		expected = b.lastSequence + 1
	}
	got := int64(-1)
	for seq := range b.pending {
		if got < 0 || seq < got {
			got = seq
		}
	}
	gapErr := &models.SequenceGapError{
		Exchange:       b.exchange,
		Symbol:         b.symbol,
		Expected:       expected,
		Got:            got,
		Pending:        len(b.pending),
		ResyncRequired: true,
	}
	clear(b.pending)
	b.gapSince = time.Time{}
	b.needsResync = true
	return gapErr
}

func (b *Book) touch(ts time.Time) {
	if ts.IsZero() {
		ts = b.opts.Clock.Now()
	}
	b.updatedAt = ts
}

// Exchange returns the exchange the book belongs to.
func (b *Book) Exchange() models.ExchangeID { return b.exchange }

// Symbol returns the canonical symbol of the book.
func (b *Book) Symbol() string { return b.symbol }

// State returns the current trust state.
func (b *Book) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastSequence returns the sequence of the last applied snapshot or delta.
func (b *Book) LastSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSequence
}

// PendingCount is the number of deltas buffered behind a gap.
func (b *Book) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// NeedsResync reports whether the gap policy gave up waiting and a fresh
// snapshot is required.
func (b *Book) NeedsResync() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.needsResync
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Best()
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Best()
}

// Bids returns the top n bids in descending price order. n <= 0 returns all.
func (b *Book) Bids(n int) []models.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Top(n)
}

// Asks returns the top n asks in ascending price order. n <= 0 returns all.
func (b *Book) Asks(n int) []models.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Top(n)
}

// IsValid is false for an uninitialised or crossed book.
func (b *Book) IsValid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == Uninitialized {
		return false
	}
	bid, hasBid := b.bids.Best()
	ask, hasAsk := b.asks.Best()
	if hasBid && hasAsk && bid.Price >= ask.Price {
		return false
	}
	return true
}

// Stats computes spread, mid, imbalance and VWAP for the current state.
func (b *Book) Stats() models.BookStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := models.BookStats{
		Exchange:     b.exchange,
		Symbol:       b.symbol,
		BidLiquidity: b.bids.TotalLiquidity(),
		AskLiquidity: b.asks.TotalLiquidity(),
		BidVWAP:      b.bids.VWAP(0),
		AskVWAP:      b.asks.VWAP(0),
		BidLevels:    b.bids.Len(),
		AskLevels:    b.asks.Len(),
		Sequence:     b.lastSequence,
		UpdatedAt:    b.updatedAt,
	}

	bid, hasBid := b.bids.Best()
	ask, hasAsk := b.asks.Best()
	if hasBid {
		stats.BestBid = &bid
	}
	if hasAsk {
		stats.BestAsk = &ask
	}
	if hasBid && hasAsk {
		stats.Spread = ask.Price - bid.Price
		stats.MidPrice = (ask.Price + bid.Price) / 2
		if stats.MidPrice != 0 {
			stats.SpreadPercent = stats.Spread / stats.MidPrice * 100
		}
	}
	if total := stats.BidLiquidity + stats.AskLiquidity; total > 0 {
		stats.Imbalance = (stats.BidLiquidity - stats.AskLiquidity) / total
	}
	return stats
}

// CalculateMarketImpact walks the side opposite to side from the best price
// and consumes size in price priority. A buy consumes asks, a sell consumes
// bids. When the side holds less than size the result is marked Partial.
func (b *Book) CalculateMarketImpact(size float64, side models.Side) (models.MarketImpact, error) {
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return models.MarketImpact{}, fmt.Errorf("market impact size must be greater than 0, got %v", size)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var levels *LevelSet
	switch side {
	case models.Buy:
		levels = b.asks
	case models.Sell:
		levels = b.bids
	default:
		return models.MarketImpact{}, fmt.Errorf("invalid side %q", side)
	}

	best, ok := levels.Best()
	if !ok {
		return models.MarketImpact{}, fmt.Errorf("%s %s %s side: %w", b.exchange, b.symbol, side, models.ErrBookEmpty)
	}

	impact := models.MarketImpact{Side: side, Size: size}
	remaining := size
	var notional float64
	for _, level := range levels.levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, level.Amount)
		notional += take * level.Price
		impact.Filled += take
		impact.WorstPrice = level.Price
		remaining -= take
	}

	impact.AvgPrice = notional / impact.Filled
	impact.Partial = remaining > 0
	if side == models.Buy {
		impact.SlippagePercent = (impact.AvgPrice - best.Price) / best.Price * 100
	} else {
		impact.SlippagePercent = (best.Price - impact.AvgPrice) / best.Price * 100
	}
	return impact, nil
}
