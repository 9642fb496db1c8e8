package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketflow/internal/symbols"
	"marketflow/models"
)

const kucoinSuccess = "200000"

var kucoinDefaults = ProtocolConfig{
	Exchange: models.KuCoin,
	URLs: map[models.MarketType]string{
		models.Spot:    "https://api.kucoin.com",
		models.Futures: "https://api-futures.kucoin.com",
	},
	DynamicToken:      true,
	PingInterval:      18 * time.Second,
	SubscribeBatch:    100,
	MessagesPerSecond: 10,
}

// KuCoin needs a public token from the bullet-public endpoint before each
// connect. The socket URL and ping interval come back with the token.
type KuCoin struct {
	cfg    ProtocolConfig
	client *http.Client
}

// NewKuCoin builds the adapter. A nil client uses a 10s timeout client that
// identifies itself with the marketflow user agent.
func NewKuCoin(cfg ProtocolConfig, client *http.Client) *KuCoin {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: userAgentTransport{agent: "marketflow/1.0"},
		}
	}
	return &KuCoin{cfg: kucoinDefaults.Merge(cfg), client: client}
}

func (k *KuCoin) ID() models.ExchangeID  { return models.KuCoin }
func (k *KuCoin) Config() ProtocolConfig { return k.cfg }

type bulletResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// Bootstrap requests a public token and builds the socket URL from the
// first instance server.
func (k *KuCoin) Bootstrap(ctx context.Context, market models.MarketType) (Endpoint, error) {
	base, err := k.cfg.URL(market)
	if err != nil {
		return Endpoint{}, err
	}
	ep, err := k.bootstrap(ctx, base)
	if err != nil {
		return Endpoint{}, &models.AuthBootstrapError{Exchange: models.KuCoin, Err: err}
	}
	return ep, nil
}

func (k *KuCoin) bootstrap(ctx context.Context, base string) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/v1/bullet-public", nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("token request returned %s", resp.Status)
	}

	var body bulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Endpoint{}, fmt.Errorf("decode token response: %w", err)
	}
	if body.Code != kucoinSuccess {
		return Endpoint{}, fmt.Errorf("token response code %s: %s", body.Code, body.Msg)
	}
	if body.Data.Token == "" {
		return Endpoint{}, errors.New("token is required")
	}
	if len(body.Data.InstanceServers) == 0 || body.Data.InstanceServers[0].Endpoint == "" {
		return Endpoint{}, errors.New("instance server endpoint is required")
	}
	server := body.Data.InstanceServers[0]

	u, err := url.Parse(server.Endpoint)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", body.Data.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	return Endpoint{URL: u.String(), PingInterval: time.Duration(server.PingInterval) * time.Millisecond}, nil
}

type kucoinRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// Subscribe batches spot symbols into one comma separated topic. Futures
// tickers are subscribed one contract per topic.
func (k *KuCoin) Subscribe(s Sender, syms []string, market models.MarketType) error {
	ids := make([]string, 0, len(syms))
	for _, sym := range syms {
		ids = append(ids, symbols.FromBinance("kucoin", string(market), sym))
	}

	var topics []string
	if market == models.Spot {
		for _, batch := range batches(ids, k.cfg.SubscribeBatch) {
			topics = append(topics, "/market/ticker:"+strings.Join(batch, ","))
		}
	} else {
		for _, id := range ids {
			topics = append(topics, "/contractMarket/tickerV2:"+id)
		}
	}

	for _, topic := range topics {
		req := kucoinRequest{ID: uuid.NewString(), Type: "subscribe", Topic: topic, Response: true}
		if err := s.SendJSON(req); err != nil {
			return fmt.Errorf("kucoin subscribe: %w", err)
		}
	}
	return nil
}

func (k *KuCoin) Ping(s Sender) error {
	return s.SendJSON(kucoinRequest{ID: uuid.NewString(), Type: "ping"})
}

type kucoinFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// HandlePing consumes pong replies and the welcome frame.
func (k *KuCoin) HandlePing(_ Sender, frame []byte) bool {
	if !isJSON(frame) {
		return false
	}
	var f kucoinFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	return f.Type == "pong" || f.Type == "welcome"
}

type kucoinSpotTicker struct {
	Price   string `json:"price"`
	BestBid string `json:"bestBid"`
	BestAsk string `json:"bestAsk"`
	Time    int64  `json:"time"`
}

type kucoinFuturesTicker struct {
	Symbol       string `json:"symbol"`
	BestBidPrice string `json:"bestBidPrice"`
	BestAskPrice string `json:"bestAskPrice"`
	Ts           int64  `json:"ts"`
}

func (k *KuCoin) Parse(frame []byte) (*models.TickerUpdate, error) {
	var f kucoinFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, decodeError(models.KuCoin, frame, err)
	}
	if f.Type != "message" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(f.Topic, "/market/ticker:"):
		var t kucoinSpotTicker
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return nil, decodeError(models.KuCoin, frame, err)
		}
		var d decimals
		update := &models.TickerUpdate{
			Exchange:  models.KuCoin,
			Symbol:    symbols.ToBinance("kucoin", strings.TrimPrefix(f.Topic, "/market/ticker:")),
			Price:     d.parse("price", t.Price),
			Bid:       d.parse("bestBid", t.BestBid),
			Ask:       d.parse("bestAsk", t.BestAsk),
			Timestamp: unixMilli(t.Time),
		}
		if d.err != nil {
			return nil, decodeError(models.KuCoin, frame, d.err)
		}
		return update, nil

	case strings.HasPrefix(f.Topic, "/contractMarket/tickerV2:"):
		var t kucoinFuturesTicker
		if err := json.Unmarshal(f.Data, &t); err != nil {
			return nil, decodeError(models.KuCoin, frame, err)
		}
		var d decimals
		bid := d.parse("bestBidPrice", t.BestBidPrice)
		ask := d.parse("bestAskPrice", t.BestAskPrice)
		if d.err != nil {
			return nil, decodeError(models.KuCoin, frame, d.err)
		}
		// tickerV2 carries no trade price; the mid stands in for it.
		price := bid
		if bid > 0 && ask > 0 {
			price = (bid + ask) / 2
		}
		return &models.TickerUpdate{
			Exchange:  models.KuCoin,
			Symbol:    symbols.ToBinance("kucoin", t.Symbol),
			Price:     price,
			Bid:       bid,
			Ask:       ask,
			Timestamp: unixNano(t.Ts),
		}, nil
	}
	return nil, nil
}

func unixNano(ns int64) time.Time {
	if ns <= 0 {
		return time.Now()
	}
	return time.Unix(0, ns)
}

// userAgentTransport wraps an existing RoundTripper and sets a custom
// User-Agent header on all outgoing requests.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}
