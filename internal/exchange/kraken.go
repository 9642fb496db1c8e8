package exchange

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"marketflow/internal/symbols"
	"marketflow/models"
)

var krakenDefaults = ProtocolConfig{
	Exchange: models.Kraken,
	URLs: map[models.MarketType]string{
		models.Spot: "wss://ws.kraken.com",
	},
	SubscribeBatch:    50,
	MessagesPerSecond: 5,
}

// Kraken uses the v1 public feed. Ticker payloads arrive as arrays of the
// form [channelID, {...}, "ticker", "XBT/USD"]; the server sends heartbeat
// events on idle channels and expects no reply.
type Kraken struct {
	cfg    ProtocolConfig
	nextID atomic.Int64
}

func NewKraken(cfg ProtocolConfig) *Kraken {
	return &Kraken{cfg: krakenDefaults.Merge(cfg)}
}

func (k *Kraken) ID() models.ExchangeID  { return models.Kraken }
func (k *Kraken) Config() ProtocolConfig { return k.cfg }

type krakenSubscription struct {
	Name string `json:"name"`
}

type krakenRequest struct {
	Event        string             `json:"event"`
	Pair         []string           `json:"pair"`
	Subscription krakenSubscription `json:"subscription"`
	ReqID        int64              `json:"reqid"`
}

func (k *Kraken) Subscribe(s Sender, syms []string, market models.MarketType) error {
	pairs := make([]string, 0, len(syms))
	for _, sym := range syms {
		pairs = append(pairs, symbols.FromBinance("kraken", string(market), sym))
	}
	for _, batch := range batches(pairs, k.cfg.SubscribeBatch) {
		req := krakenRequest{
			Event:        "subscribe",
			Pair:         batch,
			Subscription: krakenSubscription{Name: "ticker"},
			ReqID:        k.nextID.Add(1),
		}
		if err := s.SendJSON(req); err != nil {
			return fmt.Errorf("kraken subscribe: %w", err)
		}
	}
	return nil
}

func (k *Kraken) HandlePing(_ Sender, frame []byte) bool {
	switch peekEvent(frame) {
	case "heartbeat", "pong":
		return true
	}
	return false
}

// krakenTicker fields hold [today, last 24 hours] or [price, ...] pairs.
type krakenTicker struct {
	Ask   []json.RawMessage `json:"a"`
	Bid   []json.RawMessage `json:"b"`
	Close []string          `json:"c"`
	Vol   []string          `json:"v"`
	Low   []string          `json:"l"`
	High  []string          `json:"h"`
	Open  []string          `json:"o"`
}

func (k *Kraken) Parse(frame []byte) (*models.TickerUpdate, error) {
	if !isJSON(frame) {
		return nil, decodeError(models.Kraken, frame, fmt.Errorf("not a json frame"))
	}
	if frame[firstNonSpace(frame)] == '{' {
		// events: systemStatus, subscriptionStatus and the like
		var ev eventFrame
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, decodeError(models.Kraken, frame, err)
		}
		return nil, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil {
		return nil, decodeError(models.Kraken, frame, err)
	}
	if len(arr) < 4 {
		return nil, decodeError(models.Kraken, frame, fmt.Errorf("array frame has %d elements", len(arr)))
	}
	var channel, pair string
	if err := json.Unmarshal(arr[len(arr)-2], &channel); err != nil {
		return nil, decodeError(models.Kraken, frame, err)
	}
	if channel != "ticker" {
		return nil, nil
	}
	if err := json.Unmarshal(arr[len(arr)-1], &pair); err != nil {
		return nil, decodeError(models.Kraken, frame, err)
	}

	var t krakenTicker
	if err := json.Unmarshal(arr[1], &t); err != nil {
		return nil, decodeError(models.Kraken, frame, err)
	}

	var d decimals
	last := d.parse("c", index(t.Close, 0))
	open := d.parse("o", index(t.Open, 1))
	update := &models.TickerUpdate{
		Exchange:  models.Kraken,
		Symbol:    symbols.ToBinance("kraken", pair),
		Price:     last,
		Bid:       d.parse("b", rawString(t.Bid)),
		Ask:       d.parse("a", rawString(t.Ask)),
		Change24h: changePercent(last, open),
		Volume24h: d.parse("v", index(t.Vol, 1)),
		High24h:   d.parse("h", index(t.High, 1)),
		Low24h:    d.parse("l", index(t.Low, 1)),
		Timestamp: time.Now(),
	}
	if d.err != nil {
		return nil, decodeError(models.Kraken, frame, d.err)
	}
	return update, nil
}

func index(vals []string, i int) string {
	if i < len(vals) {
		return vals[i]
	}
	return ""
}

// rawString returns the first element of a mixed [string, int, string]
// array as a string.
func rawString(vals []json.RawMessage) string {
	if len(vals) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(vals[0], &s); err != nil {
		return string(vals[0])
	}
	return s
}

func firstNonSpace(frame []byte) int {
	for i, b := range frame {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return i
	}
	return 0
}
