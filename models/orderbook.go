package models

import (
	"fmt"
	"time"
)

// Side selects the taker direction for market impact calculations.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide validates a side name.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Buy, Sell:
		return Side(s), nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

// PriceLevel is one resting price on one side of a book.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Total  float64 `json:"total"`
}

// LevelUpdate is a (price, amount) pair carried by snapshots and deltas.
// An amount of zero in a delta removes the price.
type LevelUpdate struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBookSnapshot replaces the whole state of a book.
type OrderBookSnapshot struct {
	Exchange  ExchangeID    `json:"exchange"`
	Symbol    string        `json:"symbol"`
	Bids      []LevelUpdate `json:"bids"`
	Asks      []LevelUpdate `json:"asks"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

// OrderBookDelta carries incremental level changes since Sequence-1.
type OrderBookDelta struct {
	Exchange  ExchangeID    `json:"exchange"`
	Symbol    string        `json:"symbol"`
	Bids      []LevelUpdate `json:"bids"`
	Asks      []LevelUpdate `json:"asks"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

// BookKey identifies a book within the manager.
type BookKey struct {
	Exchange ExchangeID
	Symbol   string
}

func (k BookKey) String() string {
	return string(k.Exchange) + ":" + k.Symbol
}

// BookStats summarises the current state of a book.
type BookStats struct {
	Exchange      ExchangeID  `json:"exchange"`
	Symbol        string      `json:"symbol"`
	BestBid       *PriceLevel `json:"best_bid,omitempty"`
	BestAsk       *PriceLevel `json:"best_ask,omitempty"`
	Spread        float64     `json:"spread"`
	SpreadPercent float64     `json:"spread_percent"`
	MidPrice      float64     `json:"mid_price"`
	Imbalance     float64     `json:"imbalance"`
	BidLiquidity  float64     `json:"bid_liquidity"`
	AskLiquidity  float64     `json:"ask_liquidity"`
	BidVWAP       float64     `json:"bid_vwap"`
	AskVWAP       float64     `json:"ask_vwap"`
	BidLevels     int         `json:"bid_levels"`
	AskLevels     int         `json:"ask_levels"`
	Sequence      int64       `json:"sequence"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// MarketImpact is the expected execution of a taker order against the book.
type MarketImpact struct {
	Side            Side    `json:"side"`
	Size            float64 `json:"size"`
	Filled          float64 `json:"filled"`
	AvgPrice        float64 `json:"avg_price"`
	WorstPrice      float64 `json:"worst_price"`
	SlippagePercent float64 `json:"slippage_percent"`
	// Partial is set when the opposing side ran out before Size was filled.
	Partial bool `json:"partial"`
}

// AggregatedView compares the top of book for one symbol across exchanges.
type AggregatedView struct {
	Symbol       string     `json:"symbol"`
	BestBid      float64    `json:"best_bid"`
	BestBidFrom  ExchangeID `json:"best_bid_exchange,omitempty"`
	BestAsk      float64    `json:"best_ask"`
	BestAskFrom  ExchangeID `json:"best_ask_exchange,omitempty"`
	BidLiquidity float64    `json:"bid_liquidity"`
	AskLiquidity float64    `json:"ask_liquidity"`
	Exchanges    int        `json:"exchanges"`
}
