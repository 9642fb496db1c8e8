package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"marketflow/internal/symbols"
	"marketflow/models"
)

var coinbaseDefaults = ProtocolConfig{
	Exchange: models.Coinbase,
	URLs: map[models.MarketType]string{
		models.Spot: "wss://ws-feed.exchange.coinbase.com",
	},
	SubscribeBatch:    100,
	MessagesPerSecond: 8,
}

// Coinbase subscribes to the ticker channel plus the heartbeat channel,
// whose frames only prove liveness.
type Coinbase struct {
	cfg ProtocolConfig
}

func NewCoinbase(cfg ProtocolConfig) *Coinbase {
	return &Coinbase{cfg: coinbaseDefaults.Merge(cfg)}
}

func (c *Coinbase) ID() models.ExchangeID  { return models.Coinbase }
func (c *Coinbase) Config() ProtocolConfig { return c.cfg }

type coinbaseRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (c *Coinbase) Subscribe(s Sender, syms []string, market models.MarketType) error {
	ids := make([]string, 0, len(syms))
	for _, sym := range syms {
		ids = append(ids, symbols.FromBinance("coinbase", string(market), sym))
	}
	for _, batch := range batches(ids, c.cfg.SubscribeBatch) {
		req := coinbaseRequest{Type: "subscribe", ProductIDs: batch, Channels: []string{"ticker", "heartbeat"}}
		if err := s.SendJSON(req); err != nil {
			return fmt.Errorf("coinbase subscribe: %w", err)
		}
	}
	return nil
}

type coinbaseFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Open24h   string `json:"open_24h"`
	Volume24h string `json:"volume_24h"`
	High24h   string `json:"high_24h"`
	Low24h    string `json:"low_24h"`
	Time      string `json:"time"`
}

func (c *Coinbase) HandlePing(_ Sender, frame []byte) bool {
	if !isJSON(frame) {
		return false
	}
	var f struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	return f.Type == "heartbeat"
}

func (c *Coinbase) Parse(frame []byte) (*models.TickerUpdate, error) {
	var f coinbaseFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, decodeError(models.Coinbase, frame, err)
	}
	if f.Type != "ticker" {
		return nil, nil
	}

	var d decimals
	last := d.parse("price", f.Price)
	open := d.parse("open_24h", f.Open24h)
	update := &models.TickerUpdate{
		Exchange:  models.Coinbase,
		Symbol:    symbols.ToBinance("coinbase", f.ProductID),
		Price:     last,
		Bid:       d.parse("best_bid", f.BestBid),
		Ask:       d.parse("best_ask", f.BestAsk),
		Change24h: changePercent(last, open),
		Volume24h: d.parse("volume_24h", f.Volume24h),
		High24h:   d.parse("high_24h", f.High24h),
		Low24h:    d.parse("low_24h", f.Low24h),
		Timestamp: time.Now(),
	}
	if d.err != nil {
		return nil, decodeError(models.Coinbase, frame, d.err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, f.Time); err == nil {
		update.Timestamp = ts
	}
	return update, nil
}
