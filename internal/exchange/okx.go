package exchange

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"marketflow/internal/symbols"
	"marketflow/models"
)

const okxPublicURL = "wss://ws.okx.com:8443/ws/v5/public"

var okxDefaults = ProtocolConfig{
	Exchange: models.OKX,
	URLs: map[models.MarketType]string{
		models.Spot:    okxPublicURL,
		models.Futures: okxPublicURL,
		models.Inverse: okxPublicURL,
	},
	Compression:       true,
	PingInterval:      20 * time.Second,
	SubscribeBatch:    50,
	MessagesPerSecond: 8,
}

// OKX streams v5 tickers. Frames may be raw deflate; the keepalive is the
// literal string "ping" answered by "pong".
type OKX struct {
	cfg ProtocolConfig
}

func NewOKX(cfg ProtocolConfig) *OKX {
	return &OKX{cfg: okxDefaults.Merge(cfg)}
}

func (o *OKX) ID() models.ExchangeID  { return models.OKX }
func (o *OKX) Config() ProtocolConfig { return o.cfg }

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxRequest struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

func (o *OKX) Subscribe(s Sender, syms []string, market models.MarketType) error {
	ids := make([]string, 0, len(syms))
	for _, sym := range syms {
		ids = append(ids, symbols.FromBinance("okx", string(market), sym))
	}
	for _, batch := range batches(ids, o.cfg.SubscribeBatch) {
		args := make([]okxArg, 0, len(batch))
		for _, id := range batch {
			args = append(args, okxArg{Channel: "tickers", InstID: id})
		}
		if err := s.SendJSON(okxRequest{Op: "subscribe", Args: args}); err != nil {
			return fmt.Errorf("okx subscribe: %w", err)
		}
	}
	return nil
}

func (o *OKX) Ping(s Sender) error {
	return s.Send([]byte("ping"))
}

// Decode inflates deflate frames. Plain JSON and the literal pong pass
// through untouched.
func (o *OKX) Decode(frame []byte) ([]byte, error) {
	if !o.cfg.Compression || isJSON(frame) || string(frame) == "pong" {
		return frame, nil
	}
	data, err := decompress(frame)
	if err != nil {
		return nil, decodeError(models.OKX, frame, fmt.Errorf("inflate: %w", err))
	}
	return data, nil
}

func decompress(msg []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(msg))
	defer reader.Close()
	return io.ReadAll(reader)
}

type okxPing struct {
	Ping *int64 `json:"ping"`
}

func (o *OKX) HandlePing(s Sender, frame []byte) bool {
	if string(frame) == "pong" {
		return true
	}
	if !isJSON(frame) {
		return false
	}
	if peekEvent(frame) == "ping" {
		_ = s.Send([]byte(`{"op":"pong"}`))
		return true
	}
	var p okxPing
	if err := json.Unmarshal(frame, &p); err == nil && p.Ping != nil {
		_ = s.SendJSON(map[string]int64{"pong": *p.Ping})
		return true
	}
	return false
}

type okxFrame struct {
	Event string          `json:"event"`
	Arg   okxArg          `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	Open24h string `json:"open24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Ts      string `json:"ts"`
}

func (o *OKX) Parse(frame []byte) (*models.TickerUpdate, error) {
	var f okxFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, decodeError(models.OKX, frame, err)
	}
	if f.Event != "" || f.Arg.Channel != "tickers" || len(f.Data) == 0 {
		return nil, nil
	}

	var rows []okxTicker
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, decodeError(models.OKX, frame, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := rows[len(rows)-1]

	var d decimals
	last := d.parse("last", t.Last)
	open := d.parse("open24h", t.Open24h)
	update := &models.TickerUpdate{
		Exchange:  models.OKX,
		Symbol:    symbols.ToBinance("okx", t.InstID),
		Price:     last,
		Bid:       d.parse("bidPx", t.BidPx),
		Ask:       d.parse("askPx", t.AskPx),
		Change24h: changePercent(last, open),
		Volume24h: d.parse("vol24h", t.Vol24h),
		High24h:   d.parse("high24h", t.High24h),
		Low24h:    d.parse("low24h", t.Low24h),
	}
	if d.err != nil {
		return nil, decodeError(models.OKX, frame, d.err)
	}
	ms, _ := strconv.ParseInt(t.Ts, 10, 64)
	update.Timestamp = unixMilli(ms)
	return update, nil
}
