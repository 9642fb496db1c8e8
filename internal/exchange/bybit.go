package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketflow/internal/symbols"
	"marketflow/models"
)

const bybitDepthTopic = "orderbook.50."

var bybitDefaults = ProtocolConfig{
	Exchange: models.Bybit,
	URLs: map[models.MarketType]string{
		models.Spot:    "wss://stream.bybit.com/v5/public/spot",
		models.Futures: "wss://stream.bybit.com/v5/public/linear",
		models.Inverse: "wss://stream.bybit.com/v5/public/inverse",
	},
	PingInterval:      20 * time.Second,
	SubscribeBatch:    10,
	MessagesPerSecond: 10,
}

// Bybit streams v5 tickers and the 50 level order book on one socket.
type Bybit struct {
	cfg ProtocolConfig
}

func NewBybit(cfg ProtocolConfig) *Bybit {
	return &Bybit{cfg: bybitDefaults.Merge(cfg)}
}

func (b *Bybit) ID() models.ExchangeID  { return models.Bybit }
func (b *Bybit) Config() ProtocolConfig { return b.cfg }

type bybitRequest struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id"`
}

func (b *Bybit) Subscribe(s Sender, syms []string, _ models.MarketType) error {
	topics := make([]string, 0, 2*len(syms))
	for _, sym := range syms {
		sym = strings.ToUpper(sym)
		topics = append(topics, "tickers."+sym, bybitDepthTopic+sym)
	}
	for _, batch := range batches(topics, b.cfg.SubscribeBatch) {
		if err := b.send(s, "subscribe", batch); err != nil {
			return err
		}
	}
	return nil
}

// Resync drops and re-adds the depth topic. Bybit answers a subscribe with
// a full snapshot.
func (b *Bybit) Resync(s Sender, symbol string, _ models.MarketType) error {
	topic := []string{bybitDepthTopic + strings.ToUpper(symbol)}
	if err := b.send(s, "unsubscribe", topic); err != nil {
		return err
	}
	return b.send(s, "subscribe", topic)
}

func (b *Bybit) Ping(s Sender) error {
	return s.SendJSON(bybitRequest{Op: "ping", ReqID: uuid.NewString()})
}

func (b *Bybit) send(s Sender, op string, args []string) error {
	if err := s.SendJSON(bybitRequest{Op: op, Args: args, ReqID: uuid.NewString()}); err != nil {
		return fmt.Errorf("bybit %s: %w", op, err)
	}
	return nil
}

type bybitOpFrame struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// HandlePing consumes pong replies to our pings. The server accepts either
// op name depending on the market.
func (b *Bybit) HandlePing(_ Sender, frame []byte) bool {
	if !isJSON(frame) {
		return false
	}
	var op bybitOpFrame
	if err := json.Unmarshal(frame, &op); err != nil {
		return false
	}
	return op.Op == "pong" || (op.Op == "ping" && op.Success != nil)
}

type bybitFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Price24hPcnt string `json:"price24hPcnt"`
	Volume24h    string `json:"volume24h"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
}

// Parse reads ticker frames. Linear delta frames only carry changed fields;
// a delta without lastPrice carries no ticker and is ignored.
func (b *Bybit) Parse(frame []byte) (*models.TickerUpdate, error) {
	var f bybitFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, decodeError(models.Bybit, frame, err)
	}
	if !strings.HasPrefix(f.Topic, "tickers.") {
		return nil, nil
	}

	var t bybitTicker
	if err := json.Unmarshal(f.Data, &t); err != nil {
		return nil, decodeError(models.Bybit, frame, err)
	}
	if t.LastPrice == "" {
		return nil, nil
	}

	var d decimals
	update := &models.TickerUpdate{
		Exchange:  models.Bybit,
		Symbol:    symbols.ToBinance("bybit", t.Symbol),
		Price:     d.parse("lastPrice", t.LastPrice),
		Bid:       d.parse("bid1Price", t.Bid1Price),
		Ask:       d.parse("ask1Price", t.Ask1Price),
		Change24h: d.parse("price24hPcnt", t.Price24hPcnt) * 100,
		Volume24h: d.parse("volume24h", t.Volume24h),
		High24h:   d.parse("highPrice24h", t.HighPrice24h),
		Low24h:    d.parse("lowPrice24h", t.LowPrice24h),
		Timestamp: unixMilli(f.Ts),
	}
	if d.err != nil {
		return nil, decodeError(models.Bybit, frame, d.err)
	}
	return update, nil
}

type bybitDepth struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

// ParseDepth reads orderbook.50 frames. The update id u is the book
// sequence; u == 1 means the service restarted and always comes as a
// snapshot.
func (b *Bybit) ParseDepth(frame []byte) (*DepthUpdate, error) {
	var f bybitFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, decodeError(models.Bybit, frame, err)
	}
	if !strings.HasPrefix(f.Topic, bybitDepthTopic) {
		return nil, nil
	}

	var raw bybitDepth
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		return nil, decodeError(models.Bybit, frame, err)
	}
	bids, err := levels(raw.Bids)
	if err != nil {
		return nil, decodeError(models.Bybit, frame, fmt.Errorf("bids: %w", err))
	}
	asks, err := levels(raw.Asks)
	if err != nil {
		return nil, decodeError(models.Bybit, frame, fmt.Errorf("asks: %w", err))
	}

	sym := symbols.ToBinance("bybit", raw.Symbol)
	ts := unixMilli(f.Ts)
	switch f.Type {
	case "snapshot":
		return &DepthUpdate{Snapshot: &models.OrderBookSnapshot{
			Exchange: models.Bybit, Symbol: sym, Bids: bids, Asks: asks, Sequence: raw.Update, Timestamp: ts,
		}}, nil
	case "delta":
		return &DepthUpdate{Delta: &models.OrderBookDelta{
			Exchange: models.Bybit, Symbol: sym, Bids: bids, Asks: asks, Sequence: raw.Update, Timestamp: ts,
		}}, nil
	default:
		return nil, decodeError(models.Bybit, frame, fmt.Errorf("unknown depth type %q", f.Type))
	}
}
