package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/models"
)

func lv(price, amount float64) models.LevelUpdate {
	return models.LevelUpdate{Price: price, Amount: amount}
}

func newTestBook(t *testing.T, opts Options) *Book {
	t.Helper()
	return NewBook(models.Bybit, "BTCUSDT", opts)
}

func snapshot(seq int64, bids, asks []models.LevelUpdate) models.OrderBookSnapshot {
	return models.OrderBookSnapshot{Exchange: models.Bybit, Symbol: "BTCUSDT", Bids: bids, Asks: asks, Sequence: seq}
}

func delta(seq int64, bids, asks []models.LevelUpdate) models.OrderBookDelta {
	return models.OrderBookDelta{Exchange: models.Bybit, Symbol: "BTCUSDT", Bids: bids, Asks: asks, Sequence: seq}
}

func TestBookRemovesLevelOnZeroAmount(t *testing.T) {
	b := newTestBook(t, Options{})
	b.Initialize(snapshot(5, []models.LevelUpdate{lv(100, 1)}, []models.LevelUpdate{lv(101, 1)}))

	applied, err := b.ApplyDelta(delta(6, []models.LevelUpdate{lv(100, 0)}, nil))
	require.NoError(t, err)
	require.True(t, applied)

	_, ok := b.BestBid()
	assert.False(t, ok)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 101.0, ask.Price)
}

func TestBookSequenceRules(t *testing.T) {
	t.Run("DuplicateRejected", func(t *testing.T) {
		b := newTestBook(t, Options{})
		b.Initialize(snapshot(5, []models.LevelUpdate{lv(100, 1)}, []models.LevelUpdate{lv(101, 1)}))

		applied, err := b.ApplyDelta(delta(5, []models.LevelUpdate{lv(99, 1)}, nil))
		assert.NoError(t, err)
		assert.False(t, applied)
		assert.Len(t, b.Bids(0), 1)
		assert.EqualValues(t, 5, b.LastSequence())
	})

	t.Run("NextAcceptedAndAdvancesByOne", func(t *testing.T) {
		b := newTestBook(t, Options{})
		b.Initialize(snapshot(5, nil, nil))

		applied, err := b.ApplyDelta(delta(6, []models.LevelUpdate{lv(99, 1)}, nil))
		assert.NoError(t, err)
		assert.True(t, applied)
		assert.EqualValues(t, 6, b.LastSequence())
	})

	t.Run("GapBufferedWithoutMutation", func(t *testing.T) {
		b := newTestBook(t, Options{})
		b.Initialize(snapshot(5, []models.LevelUpdate{lv(100, 1)}, nil))

		applied, err := b.ApplyDelta(delta(8, []models.LevelUpdate{lv(100, 0)}, nil))
		assert.False(t, applied)

		var gapErr *models.SequenceGapError
		require.True(t, errors.As(err, &gapErr))
		assert.EqualValues(t, 6, gapErr.Expected)
		assert.EqualValues(t, 8, gapErr.Got)
		assert.False(t, gapErr.ResyncRequired)

		assert.EqualValues(t, 5, b.LastSequence())
		assert.Len(t, b.Bids(0), 1)
		assert.Equal(t, Degraded, b.State())
		assert.Equal(t, 1, b.PendingCount())
	})
}

func TestBookReplaysBufferedDeltaWhenGapCloses(t *testing.T) {
	b := newTestBook(t, Options{})
	b.Initialize(snapshot(5, []models.LevelUpdate{lv(100, 1)}, []models.LevelUpdate{lv(105, 1)}))

	applied, err := b.ApplyDelta(delta(7, nil, []models.LevelUpdate{lv(104, 2)}))
	require.Error(t, err)
	require.False(t, applied)
	assert.Equal(t, 105.0, b.Asks(1)[0].Price)

	applied, err = b.ApplyDelta(delta(6, []models.LevelUpdate{lv(101, 1)}, nil))
	require.NoError(t, err)
	require.True(t, applied)

	assert.EqualValues(t, 7, b.LastSequence())
	assert.Equal(t, 104.0, b.Asks(1)[0].Price)
	assert.Equal(t, 101.0, b.Bids(1)[0].Price)
	assert.Equal(t, Resynced, b.State())
	assert.Zero(t, b.PendingCount())
}

func TestBookInitializeReplaysContiguousPending(t *testing.T) {
	b := newTestBook(t, Options{})

	// deltas arriving before the first snapshot are held
	_, err := b.ApplyDelta(delta(11, []models.LevelUpdate{lv(99, 1)}, nil))
	require.Error(t, err)
	_, err = b.ApplyDelta(delta(9, []models.LevelUpdate{lv(98, 1)}, nil))
	require.Error(t, err)
	assert.Equal(t, Uninitialized, b.State())

	b.Initialize(snapshot(10, []models.LevelUpdate{lv(97, 1)}, []models.LevelUpdate{lv(100, 1)}))

	assert.EqualValues(t, 11, b.LastSequence())
	assert.Equal(t, []float64{99, 97}, prices(b.Bids(0)))
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, Initialized, b.State())
}

func TestBookGapPolicy(t *testing.T) {
	t.Run("BufferSizeLimit", func(t *testing.T) {
		b := newTestBook(t, Options{MaxPending: 3, MaxGapAge: time.Hour})
		b.Initialize(snapshot(1, nil, nil))

		var last error
		for seq := int64(3); seq <= 6; seq++ {
			_, last = b.ApplyDelta(delta(seq, nil, nil))
		}

		var gapErr *models.SequenceGapError
		require.True(t, errors.As(last, &gapErr))
		assert.True(t, gapErr.ResyncRequired)
		assert.True(t, b.NeedsResync())
		assert.Zero(t, b.PendingCount())

		b.Initialize(snapshot(20, nil, nil))
		assert.False(t, b.NeedsResync())
		assert.Equal(t, Resynced, b.State())
	})

	t.Run("AgeLimit", func(t *testing.T) {
		mock := clock.NewMock()
		b := newTestBook(t, Options{MaxPending: 100, MaxGapAge: 5 * time.Second, Clock: mock})
		b.Initialize(snapshot(1, nil, nil))

		_, err := b.ApplyDelta(delta(3, nil, nil))
		var gapErr *models.SequenceGapError
		require.True(t, errors.As(err, &gapErr))
		assert.False(t, gapErr.ResyncRequired)

		mock.Add(4 * time.Second)
		_, err = b.ApplyDelta(delta(4, nil, nil))
		require.True(t, errors.As(err, &gapErr))
		assert.False(t, gapErr.ResyncRequired)

		mock.Add(2 * time.Second)
		_, err = b.ApplyDelta(delta(5, nil, nil))
		require.True(t, errors.As(err, &gapErr))
		assert.True(t, gapErr.ResyncRequired)
		assert.True(t, b.NeedsResync())
	})

	t.Run("AgeLimitWithoutNewDeltas", func(t *testing.T) {
		mock := clock.NewMock()
		b := newTestBook(t, Options{MaxPending: 100, MaxGapAge: 5 * time.Second, Clock: mock})
		b.Initialize(snapshot(1, nil, nil))

		_, err := b.ApplyDelta(delta(4, nil, nil))
		require.Error(t, err)
		_, err = b.ApplyDelta(delta(3, nil, nil))
		require.Error(t, err)

		mock.Add(5 * time.Second)
		assert.Nil(t, b.ExpireGap(), "gap still within age")
		assert.Equal(t, 2, b.PendingCount())

		mock.Add(time.Second)
		gapErr := b.ExpireGap()
		require.NotNil(t, gapErr)
		assert.True(t, gapErr.ResyncRequired)
		assert.Equal(t, int64(2), gapErr.Expected)
		assert.Equal(t, int64(3), gapErr.Got)
		assert.Equal(t, 2, gapErr.Pending)
		assert.True(t, b.NeedsResync())
		assert.Zero(t, b.PendingCount())

		assert.Nil(t, b.ExpireGap(), "nothing left to expire")
	})
}

func TestBookIsValid(t *testing.T) {
	b := newTestBook(t, Options{})
	assert.False(t, b.IsValid(), "uninitialized book is invalid")

	b.Initialize(snapshot(1, []models.LevelUpdate{lv(100, 1)}, []models.LevelUpdate{lv(101, 1)}))
	assert.True(t, b.IsValid())

	_, err := b.ApplyDelta(delta(2, []models.LevelUpdate{lv(101, 1)}, nil))
	require.NoError(t, err)
	assert.False(t, b.IsValid(), "bid equal to ask is crossed")

	_, err = b.ApplyDelta(delta(3, []models.LevelUpdate{lv(101, 0), lv(102, 1)}, nil))
	require.NoError(t, err)
	assert.False(t, b.IsValid())

	_, err = b.ApplyDelta(delta(4, []models.LevelUpdate{lv(102, 0)}, nil))
	require.NoError(t, err)
	assert.True(t, b.IsValid())

	b.Initialize(snapshot(5, nil, []models.LevelUpdate{lv(101, 1)}))
	assert.True(t, b.IsValid(), "one-sided book is valid")
}

func TestBookStats(t *testing.T) {
	b := newTestBook(t, Options{})
	b.Initialize(snapshot(1,
		[]models.LevelUpdate{lv(99, 2), lv(98, 1)},
		[]models.LevelUpdate{lv(101, 1)},
	))

	stats := b.Stats()
	require.NotNil(t, stats.BestBid)
	require.NotNil(t, stats.BestAsk)
	assert.Equal(t, 2.0, stats.Spread)
	assert.Equal(t, 100.0, stats.MidPrice)
	assert.InDelta(t, 2.0, stats.SpreadPercent, 1e-9)
	assert.Equal(t, 296.0, stats.BidLiquidity)
	assert.Equal(t, 101.0, stats.AskLiquidity)
	assert.InDelta(t, (296.0-101)/(296+101), stats.Imbalance, 1e-9)
	assert.InDelta(t, 296.0/3, stats.BidVWAP, 1e-9)
	assert.Equal(t, 101.0, stats.AskVWAP)
	assert.Equal(t, 2, stats.BidLevels)
}

func TestBookMarketImpact(t *testing.T) {
	b := newTestBook(t, Options{})
	b.Initialize(snapshot(1,
		[]models.LevelUpdate{lv(99, 1), lv(98, 1)},
		[]models.LevelUpdate{lv(100, 2), lv(101, 3)},
	))

	t.Run("BuyWalksAsks", func(t *testing.T) {
		impact, err := b.CalculateMarketImpact(4, models.Buy)
		require.NoError(t, err)
		assert.InDelta(t, 100.5, impact.AvgPrice, 1e-9)
		assert.Equal(t, 101.0, impact.WorstPrice)
		assert.InDelta(t, 0.5, impact.SlippagePercent, 1e-9)
		assert.False(t, impact.Partial)
	})

	t.Run("SellWalksBids", func(t *testing.T) {
		impact, err := b.CalculateMarketImpact(2, models.Sell)
		require.NoError(t, err)
		assert.InDelta(t, 98.5, impact.AvgPrice, 1e-9)
		assert.Equal(t, 98.0, impact.WorstPrice)
		assert.InDelta(t, (99-98.5)/99*100, impact.SlippagePercent, 1e-9)
	})

	t.Run("PartialFill", func(t *testing.T) {
		impact, err := b.CalculateMarketImpact(10, models.Buy)
		require.NoError(t, err)
		assert.True(t, impact.Partial)
		assert.Equal(t, 5.0, impact.Filled)
	})

	t.Run("InvalidSize", func(t *testing.T) {
		_, err := b.CalculateMarketImpact(0, models.Buy)
		assert.Error(t, err)
	})

	t.Run("EmptySide", func(t *testing.T) {
		empty := newTestBook(t, Options{})
		empty.Initialize(snapshot(1, nil, nil))
		_, err := empty.CalculateMarketImpact(1, models.Buy)
		assert.ErrorIs(t, err, models.ErrBookEmpty)
	})
}
