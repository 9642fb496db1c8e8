package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"marketflow/models"
)

// Sender writes frames on an open connection. Implementations serialise
// concurrent writers.
type Sender interface {
	Send(data []byte) error
	SendJSON(v any) error
}

// Adapter encapsulates one exchange's wire dialect.
//
// Parse must not keep state between frames. It returns nil, nil for frames
// that carry no ticker (acks, subscription confirmations, consumed pings) and
// a *models.ProtocolDecodeError for frames it cannot read.
type Adapter interface {
	ID() models.ExchangeID
	Config() ProtocolConfig
	Subscribe(s Sender, symbols []string, market models.MarketType) error
	Parse(frame []byte) (*models.TickerUpdate, error)
	HandlePing(s Sender, frame []byte) bool
}

// Decoder is implemented by adapters whose frames may arrive compressed.
// Decode runs before HandlePing and Parse.
type Decoder interface {
	Decode(frame []byte) ([]byte, error)
}

// Endpoint is a resolved streaming address.
type Endpoint struct {
	URL          string
	PingInterval time.Duration
}

// Bootstrapper is implemented by adapters that must fetch a short lived
// token before the socket URL is known.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, market models.MarketType) (Endpoint, error)
}

// Pinger is implemented by adapters that need an application level ping on
// a schedule.
type Pinger interface {
	Ping(s Sender) error
}

// DepthUpdate holds exactly one of Snapshot or Delta.
type DepthUpdate struct {
	Snapshot *models.OrderBookSnapshot
	Delta    *models.OrderBookDelta
}

// Symbol is the canonical symbol the update belongs to.
func (u *DepthUpdate) Symbol() string {
	switch {
	case u.Snapshot != nil:
		return u.Snapshot.Symbol
	case u.Delta != nil:
		return u.Delta.Symbol
	}
	return ""
}

// DepthParser is implemented by adapters that stream order book depth on
// the same socket as tickers.
type DepthParser interface {
	ParseDepth(frame []byte) (*DepthUpdate, error)
}

// Resyncer is implemented by adapters that can ask the exchange for a fresh
// depth snapshot without reconnecting.
type Resyncer interface {
	Resync(s Sender, symbol string, market models.MarketType) error
}

// ProtocolConfig is the immutable description of an exchange endpoint set.
// A market type is supported when URLs has an entry for it. For exchanges
// with DynamicToken the URL is the REST base used by Bootstrap.
type ProtocolConfig struct {
	Exchange          models.ExchangeID
	URLs              map[models.MarketType]string
	Compression       bool
	DynamicToken      bool
	PingInterval      time.Duration
	SubscribeBatch    int
	MessagesPerSecond float64
}

// Supports reports whether the market type has an endpoint.
func (c ProtocolConfig) Supports(market models.MarketType) bool {
	_, ok := c.URLs[market]
	return ok
}

// URL returns the endpoint for a market type.
func (c ProtocolConfig) URL(market models.MarketType) (string, error) {
	u, ok := c.URLs[market]
	if !ok || u == "" {
		return "", &models.ConfigurationError{Exchange: c.Exchange, Market: market, Reason: "market type not supported"}
	}
	return u, nil
}

// Markets lists the supported market types in a stable order.
func (c ProtocolConfig) Markets() []models.MarketType {
	var out []models.MarketType
	for _, mt := range models.MarketTypes {
		if c.Supports(mt) {
			out = append(out, mt)
		}
	}
	return out
}

// Merge returns c with every non-zero field of o applied on top. URLs are
// merged per market type.
func (c ProtocolConfig) Merge(o ProtocolConfig) ProtocolConfig {
	out := c
	out.URLs = maps.Clone(c.URLs)
	if out.URLs == nil {
		out.URLs = map[models.MarketType]string{}
	}
	for mt, u := range o.URLs {
		out.URLs[mt] = u
	}
	if o.Exchange != "" {
		out.Exchange = o.Exchange
	}
	if o.Compression {
		out.Compression = true
	}
	if o.DynamicToken {
		out.DynamicToken = true
	}
	if o.PingInterval > 0 {
		out.PingInterval = o.PingInterval
	}
	if o.SubscribeBatch > 0 {
		out.SubscribeBatch = o.SubscribeBatch
	}
	if o.MessagesPerSecond > 0 {
		out.MessagesPerSecond = o.MessagesPerSecond
	}
	return out
}

func decodeError(id models.ExchangeID, frame []byte, err error) error {
	return &models.ProtocolDecodeError{Exchange: id, Frame: frame, Err: err}
}

// decimal parses an exchange decimal string. Empty means absent.
func decimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid decimal %q: not finite", s)
	}
	return v, nil
}

// decimals parses a list of named decimal fields and stops at the first bad one.
type decimals struct {
	err error
}

func (d *decimals) parse(name, s string) float64 {
	if d.err != nil {
		return 0
	}
	v, err := decimal(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

// levels converts [["price","amount"], ...] pairs.
func levels(raw [][]string) ([]models.LevelUpdate, error) {
	out := make([]models.LevelUpdate, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(pair))
		}
		price, err := decimal(pair[0])
		if err != nil {
			return nil, err
		}
		amount, err := decimal(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.LevelUpdate{Price: price, Amount: amount})
	}
	return out, nil
}

func changePercent(last, open float64) float64 {
	if open == 0 {
		return 0
	}
	return (last - open) / open * 100
}

func unixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// batches splits items into chunks of at most n. n <= 0 means one chunk.
func batches(items []string, n int) [][]string {
	if n <= 0 || len(items) <= n {
		if len(items) == 0 {
			return nil
		}
		return [][]string{items}
	}
	var out [][]string
	for start := 0; start < len(items); start += n {
		end := min(start+n, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func isJSON(frame []byte) bool {
	for _, b := range frame {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// eventFrame is the common {"event": ...} envelope used by several venues.
type eventFrame struct {
	Event string `json:"event"`
}

func peekEvent(frame []byte) string {
	if !isJSON(frame) {
		return ""
	}
	var ev eventFrame
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ""
	}
	return ev.Event
}
