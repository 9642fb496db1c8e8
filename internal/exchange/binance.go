package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"marketflow/internal/symbols"
	"marketflow/models"
)

var binanceDefaults = ProtocolConfig{
	Exchange: models.Binance,
	URLs: map[models.MarketType]string{
		models.Spot:    "wss://stream.binance.com:9443/ws",
		models.Futures: "wss://fstream.binance.com/ws",
		models.Inverse: "wss://dstream.binance.com/ws",
	},
	SubscribeBatch:    200,
	MessagesPerSecond: 5,
}

// Binance streams 24h tickers. Pings are websocket control frames answered
// by the transport, so HandlePing never consumes anything.
type Binance struct {
	cfg    ProtocolConfig
	nextID atomic.Int64
}

func NewBinance(cfg ProtocolConfig) *Binance {
	return &Binance{cfg: binanceDefaults.Merge(cfg)}
}

func (b *Binance) ID() models.ExchangeID  { return models.Binance }
func (b *Binance) Config() ProtocolConfig { return b.cfg }

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (b *Binance) Subscribe(s Sender, syms []string, market models.MarketType) error {
	streams := make([]string, 0, len(syms))
	for _, sym := range syms {
		name := strings.ToLower(symbols.FromBinance("binance", string(market), sym))
		if market == models.Inverse {
			name += "_perp"
		}
		streams = append(streams, name+"@ticker")
	}
	for _, batch := range batches(streams, b.cfg.SubscribeBatch) {
		req := binanceSubscribe{Method: "SUBSCRIBE", Params: batch, ID: b.nextID.Add(1)}
		if err := s.SendJSON(req); err != nil {
			return fmt.Errorf("binance subscribe: %w", err)
		}
	}
	return nil
}

func (b *Binance) HandlePing(Sender, []byte) bool { return false }

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	ChangePct string `json:"P"`
	Volume    string `json:"v"`
	High      string `json:"h"`
	Low       string `json:"l"`
}

func (b *Binance) Parse(frame []byte) (*models.TickerUpdate, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, decodeError(models.Binance, frame, err)
	}
	payload := frame
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var t binanceTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, decodeError(models.Binance, frame, err)
	}
	if t.Event != "24hrTicker" {
		return nil, nil
	}

	var d decimals
	update := &models.TickerUpdate{
		Exchange:  models.Binance,
		Symbol:    symbols.ToBinance("binance", t.Symbol),
		Price:     d.parse("c", t.Last),
		Bid:       d.parse("b", t.Bid),
		Ask:       d.parse("a", t.Ask),
		Change24h: d.parse("P", t.ChangePct),
		Volume24h: d.parse("v", t.Volume),
		High24h:   d.parse("h", t.High),
		Low24h:    d.parse("l", t.Low),
		Timestamp: unixMilli(t.EventTime),
	}
	if d.err != nil {
		return nil, decodeError(models.Binance, frame, d.err)
	}
	return update, nil
}
