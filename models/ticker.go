package models

import "time"

// TickerUpdate is the normalised last-price record for one symbol on one
// exchange. Bid and Ask are zero when the exchange did not report them.
type TickerUpdate struct {
	Exchange  ExchangeID `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Price     float64    `json:"price"`
	Bid       float64    `json:"bid,omitempty"`
	Ask       float64    `json:"ask,omitempty"`
	Change24h float64    `json:"change_24h,omitempty"`
	Volume24h float64    `json:"volume_24h,omitempty"`
	High24h   float64    `json:"high_24h,omitempty"`
	Low24h    float64    `json:"low_24h,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// HasQuote reports whether both sides of the top of book are present.
func (t TickerUpdate) HasQuote() bool {
	return t.Bid > 0 && t.Ask > 0
}

// Newer reports whether t should replace other as the current value.
func (t TickerUpdate) Newer(other TickerUpdate) bool {
	return !t.Timestamp.Before(other.Timestamp)
}
