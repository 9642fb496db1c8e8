package models

import (
	"fmt"
	"strings"
)

// ExchangeID identifies a supported exchange.
type ExchangeID string

const (
	Binance  ExchangeID = "binance"
	Bybit    ExchangeID = "bybit"
	OKX      ExchangeID = "okx"
	Coinbase ExchangeID = "coinbase"
	Kraken   ExchangeID = "kraken"
	KuCoin   ExchangeID = "kucoin"
)

// ExchangePriority is the fixed order used to resolve conflicts when tickers
// for the same symbol arrive from several exchanges. Earlier wins.
var ExchangePriority = []ExchangeID{Binance, Bybit, OKX, Coinbase, Kraken, KuCoin}

// Priority returns the rank of the exchange in ExchangePriority. Unknown
// exchanges rank after every known one.
func (e ExchangeID) Priority() int {
	for i, id := range ExchangePriority {
		if id == e {
			return i
		}
	}
	return len(ExchangePriority)
}

// ParseExchangeID normalises a user supplied exchange name.
func ParseExchangeID(s string) (ExchangeID, error) {
	id := ExchangeID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ExchangePriority {
		if id == known {
			return id, nil
		}
	}
	return "", &ConfigurationError{Exchange: id, Reason: "unknown exchange"}
}

// MarketType is the market segment a connection streams from.
type MarketType string

const (
	Spot    MarketType = "spot"
	Futures MarketType = "futures"
	Inverse MarketType = "inverse"
)

// MarketTypes lists every market type in a stable order.
var MarketTypes = []MarketType{Spot, Futures, Inverse}

// ParseMarketType validates a market type name.
func ParseMarketType(s string) (MarketType, error) {
	switch mt := MarketType(strings.ToLower(strings.TrimSpace(s))); mt {
	case Spot, Futures, Inverse:
		return mt, nil
	case "linear", "swap", "perp":
		return Futures, nil
	default:
		return "", &ConfigurationError{Market: mt, Reason: fmt.Sprintf("invalid market type %q", s)}
	}
}
