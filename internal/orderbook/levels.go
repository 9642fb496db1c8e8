package orderbook

import (
	"math"
	"slices"
	"sort"

	"marketflow/models"
)

// LevelSet keeps the price levels of one side of a book sorted, with an index
// from price to slice position for constant time lookups. Bids are kept
// descending and asks ascending so position 0 is always the best price.
//
// A sorted slice is fine for a few hundred levels. Much deeper books would
// want a skip list or tree behind the same methods.
type LevelSet struct {
	descending bool
	levels     []models.PriceLevel
	index      map[float64]int
}

// NewLevelSet creates an empty side. descending is true for bids.
func NewLevelSet(descending bool) *LevelSet {
	return &LevelSet{
		descending: descending,
		index:      make(map[float64]int),
	}
}

// NewBids returns an empty bid side.
func NewBids() *LevelSet { return NewLevelSet(true) }

// NewAsks returns an empty ask side.
func NewAsks() *LevelSet { return NewLevelSet(false) }

// before reports whether price a sorts ahead of price b on this side.
func (s *LevelSet) before(a, b float64) bool {
	if s.descending {
		return a > b
	}
	return a < b
}

func (s *LevelSet) search(price float64) int {
	return sort.Search(len(s.levels), func(i int) bool {
		return !s.before(s.levels[i].Price, price)
	})
}

// Update upserts price with amount, or removes it when amount is zero or
// negative. Non-finite prices and NaN amounts are ignored.
func (s *LevelSet) Update(price, amount float64) {
	if math.IsNaN(price) || math.IsInf(price, 0) || math.IsNaN(amount) {
		return
	}
	if pos, ok := s.index[price]; ok {
		if amount <= 0 {
			s.removeAt(pos)
			return
		}
		s.levels[pos].Amount = amount
		s.levels[pos].Total = price * amount
		return
	}
	if amount <= 0 {
		return
	}

	pos := s.search(price)
	s.levels = slices.Insert(s.levels, pos, models.PriceLevel{Price: price, Amount: amount, Total: price * amount})
	s.reindexFrom(pos)
}

func (s *LevelSet) removeAt(pos int) {
	delete(s.index, s.levels[pos].Price)
	s.levels = slices.Delete(s.levels, pos, pos+1)
	s.reindexFrom(pos)
}

func (s *LevelSet) reindexFrom(pos int) {
	for i := pos; i < len(s.levels); i++ {
		s.index[s.levels[i].Price] = i
	}
}

// BatchUpdate applies updates in price order. The result is the same as
// calling Update for each element in turn, except that later duplicates of a
// price win.
func (s *LevelSet) BatchUpdate(updates []models.LevelUpdate) {
	if len(updates) == 0 {
		return
	}
	sorted := make([]models.LevelUpdate, len(updates))
	copy(sorted, updates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.before(sorted[i].Price, sorted[j].Price)
	})
	for _, u := range sorted {
		s.Update(u.Price, u.Amount)
	}
}

// Replace discards every level and loads updates.
func (s *LevelSet) Replace(updates []models.LevelUpdate) {
	s.levels = s.levels[:0]
	clear(s.index)
	s.BatchUpdate(updates)
}

// Get returns the level at price.
func (s *LevelSet) Get(price float64) (models.PriceLevel, bool) {
	pos, ok := s.index[price]
	if !ok {
		return models.PriceLevel{}, false
	}
	return s.levels[pos], true
}

// Best returns the top level.
func (s *LevelSet) Best() (models.PriceLevel, bool) {
	if len(s.levels) == 0 {
		return models.PriceLevel{}, false
	}
	return s.levels[0], true
}

// Top returns a copy of the first n levels. n <= 0 returns every level.
func (s *LevelSet) Top(n int) []models.PriceLevel {
	if n <= 0 || n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]models.PriceLevel, n)
	copy(out, s.levels[:n])
	return out
}

// All returns a copy of every level in side order.
func (s *LevelSet) All() []models.PriceLevel {
	return s.Top(0)
}

// Len is the number of levels.
func (s *LevelSet) Len() int {
	return len(s.levels)
}

// TotalLiquidity is the sum of price*amount over all levels.
func (s *LevelSet) TotalLiquidity() float64 {
	var total float64
	for _, l := range s.levels {
		total += l.Total
	}
	return total
}

// TotalAmount is the sum of amounts over all levels.
func (s *LevelSet) TotalAmount() float64 {
	var total float64
	for _, l := range s.levels {
		total += l.Amount
	}
	return total
}

// VWAP is sum(price*amount)/sum(amount) over the first depth levels, or over
// all levels when depth <= 0. An empty side yields 0.
func (s *LevelSet) VWAP(depth int) float64 {
	if depth <= 0 || depth > len(s.levels) {
		depth = len(s.levels)
	}
	var notional, amount float64
	for _, l := range s.levels[:depth] {
		notional += l.Total
		amount += l.Amount
	}
	if amount == 0 {
		return 0
	}
	return notional / amount
}
