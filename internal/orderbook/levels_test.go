package orderbook

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/models"
)

func prices(levels []models.PriceLevel) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.Price
	}
	return out
}

func TestLevelSetOrdering(t *testing.T) {
	bids := NewBids()
	asks := NewAsks()
	for _, p := range []float64{101, 99, 100, 102, 98} {
		bids.Update(p, 1)
		asks.Update(p, 1)
	}

	assert.Equal(t, []float64{102, 101, 100, 99, 98}, prices(bids.All()))
	assert.Equal(t, []float64{98, 99, 100, 101, 102}, prices(asks.All()))
}

func TestLevelSetZeroAmountRemoves(t *testing.T) {
	s := NewAsks()
	s.Update(100, 2)
	s.Update(101, 3)
	s.Update(100, 0)

	_, ok := s.Get(100)
	assert.False(t, ok)
	assert.Equal(t, []float64{101}, prices(s.All()))

	// removing an absent price is a no-op
	s.Update(500, 0)
	assert.Equal(t, 1, s.Len())
}

func TestLevelSetIgnoresNonFiniteValues(t *testing.T) {
	s := NewBids()
	s.Update(100, 1)
	s.Update(math.NaN(), 1)
	s.Update(math.Inf(1), 1)
	s.Update(100, math.NaN())

	assert.Equal(t, []float64{100}, prices(s.All()))
	lvl, ok := s.Best()
	require.True(t, ok)
	assert.Equal(t, 1.0, lvl.Amount)

	s.Update(100, 0)
	assert.Zero(t, s.Len())
}

func TestLevelSetUpsertKeepsPriceUnique(t *testing.T) {
	s := NewBids()
	s.Update(100, 1)
	s.Update(100, 4)

	require.Equal(t, 1, s.Len())
	lvl, ok := s.Best()
	require.True(t, ok)
	assert.Equal(t, 4.0, lvl.Amount)
	assert.Equal(t, 400.0, lvl.Total)
}

func TestLevelSetRandomInterleavingStaysSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	bids := NewBids()
	asks := NewAsks()
	present := map[float64]bool{}

	for i := 0; i < 2000; i++ {
		price := float64(rng.Intn(200))
		amount := float64(rng.Intn(3))
		bids.Update(price, amount)
		asks.Update(price, amount)
		present[price] = amount > 0
	}

	b := bids.All()
	for i := 1; i < len(b); i++ {
		require.Greater(t, b[i-1].Price, b[i].Price)
	}
	a := asks.All()
	for i := 1; i < len(a); i++ {
		require.Less(t, a[i-1].Price, a[i].Price)
	}
	for price, want := range present {
		_, got := bids.Get(price)
		assert.Equal(t, want, got, "price %v", price)
	}
}

func TestLevelSetBatchUpdateMatchesSequential(t *testing.T) {
	updates := []models.LevelUpdate{{Price: 105, Amount: 1}, {Price: 100, Amount: 2}, {Price: 103, Amount: 0}, {Price: 101, Amount: 5}}

	batch := NewAsks()
	batch.Update(103, 9)
	batch.BatchUpdate(updates)

	seq := NewAsks()
	seq.Update(103, 9)
	for _, u := range updates {
		seq.Update(u.Price, u.Amount)
	}

	assert.Equal(t, seq.All(), batch.All())
}

func TestLevelSetVWAP(t *testing.T) {
	asks := NewAsks()
	asks.BatchUpdate([]models.LevelUpdate{{Price: 100, Amount: 2}, {Price: 101, Amount: 3}, {Price: 105, Amount: 10}})

	assert.InDelta(t, 100.6, asks.VWAP(2), 1e-9)
	assert.InDelta(t, (200.0+303+1050)/15, asks.VWAP(0), 1e-9)
	assert.InDelta(t, (200.0+303+1050)/15, asks.VWAP(50), 1e-9)
	assert.Equal(t, 0.0, NewAsks().VWAP(5))
}

func TestLevelSetTotals(t *testing.T) {
	bids := NewBids()
	bids.BatchUpdate([]models.LevelUpdate{{Price: 10, Amount: 1}, {Price: 9, Amount: 2}})

	assert.Equal(t, 28.0, bids.TotalLiquidity())
	assert.Equal(t, 3.0, bids.TotalAmount())
	assert.Len(t, bids.Top(1), 1)
	assert.Len(t, bids.Top(10), 2)
}
