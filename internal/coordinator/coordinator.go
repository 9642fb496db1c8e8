package coordinator

import (
	"context"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"marketflow/internal/connection"
	"marketflow/internal/events"
	"marketflow/internal/exchange"
	"marketflow/internal/orderbook"
	"marketflow/logger"
	"marketflow/models"
)

// PriceSink mirrors tickers out of process. Store must not block.
type PriceSink interface {
	Store(update models.TickerUpdate)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithPriceSink(s PriceSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

func WithLogger(l *logger.Log) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithConnectionOptions are applied to every connection the coordinator
// creates.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(c *Coordinator) { c.connOpts = append(c.connOpts, opts...) }
}

type connKey struct {
	exchange models.ExchangeID
	market   models.MarketType
}

type managed struct {
	conn   *connection.Connection
	unsubs []func()
}

// Target names one connection to open.
type Target struct {
	Exchange models.ExchangeID
	Market   models.MarketType
	Symbols  []string
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	Exchange models.ExchangeID       `json:"exchange"`
	Market   models.MarketType       `json:"market"`
	Status   models.ConnectionStatus `json:"status"`
	Symbols  []string                `json:"symbols"`
}

// Subscription is the handle returned by Connect.
type Subscription struct {
	Exchange models.ExchangeID
	Market   models.MarketType
	Symbols  []string

	conn *connection.Connection
	c    *Coordinator
}

func (s *Subscription) Status() models.ConnectionStatus { return s.conn.Status() }

func (s *Subscription) Prices() map[string]models.TickerUpdate { return s.conn.Prices() }

// Close tears down the connection behind the subscription.
func (s *Subscription) Close() {
	s.c.disconnect(connKey{exchange: s.Exchange, market: s.Market})
}

// Coordinator owns one connection per exchange and market type and merges
// their tickers. Books are fed through the injected manager.
type Coordinator struct {
	registry *exchange.Registry
	books    *orderbook.Manager
	sink     PriceSink
	connOpts []connection.Option
	log      *logger.Log

	mu    sync.RWMutex
	conns map[connKey]*managed

	tickers  *events.Hub[models.TickerUpdate]
	statuses *events.Hub[models.StatusEvent]
	errs     *events.Hub[models.ErrorEvent]

	unsubResync func()
}

// New returns a coordinator with no connections. books may be nil when depth
// is not wanted.
func New(registry *exchange.Registry, books *orderbook.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		books:    books,
		conns:    make(map[connKey]*managed),
		tickers:  events.NewHub[models.TickerUpdate](),
		statuses: events.NewHub[models.StatusEvent](),
		errs:     events.NewHub[models.ErrorEvent](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.GetLogger()
	}
	if books != nil {
		c.unsubResync = books.OnResync(c.resync)
	}
	return c
}

// Connect subscribes symbols on exchange for market, creating the connection
// on first use. Later calls for the same pair merge the symbols into the
// existing connection. Connections outlive ctx and end only through
// Disconnect, DisconnectAll, Close or Subscription.Close.
func (c *Coordinator) Connect(ctx context.Context, id models.ExchangeID, symbols []string, market models.MarketType) (*Subscription, error) {
	adapter, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if !adapter.Config().Supports(market) {
		return nil, &models.ConfigurationError{Exchange: id, Market: market, Reason: "market type not supported"}
	}
	symbols = normalize(symbols)
	key := connKey{exchange: id, market: market}

	c.mu.Lock()
	m, exists := c.conns[key]
	if !exists {
		m = c.wire(adapter, market, symbols)
		c.conns[key] = m
	}
	c.mu.Unlock()

	if exists {
		if err := m.conn.AddSymbols(symbols); err != nil {
			// the socket is being replaced; the next session subscribes everything
			c.log.WithComponent("coordinator").WithError(err).Warn("failed to subscribe added symbols")
		}
	}
	if err := m.conn.Connect(ctx); err != nil {
		return nil, err
	}

	c.log.WithComponent("coordinator").WithFields(logger.Fields{
		"exchange": id,
		"market":   market,
		"symbols":  len(symbols),
	}).Info("subscribed")
	return &Subscription{Exchange: id, Market: market, Symbols: m.conn.Symbols(), conn: m.conn, c: c}, nil
}

func (c *Coordinator) wire(adapter exchange.Adapter, market models.MarketType, symbols []string) *managed {
	opts := append([]connection.Option{connection.WithLogger(c.log)}, c.connOpts...)
	if c.books != nil {
		opts = append(opts, connection.WithBookSink(c.books))
	}
	conn := connection.New(adapter, market, symbols, opts...)

	m := &managed{conn: conn}
	m.unsubs = append(m.unsubs,
		conn.OnTicker(func(u models.TickerUpdate) {
			if c.sink != nil {
				c.sink.Store(u)
			}
			c.tickers.Publish(u)
		}),
		conn.OnStatus(c.statuses.Publish),
		conn.OnError(c.errs.Publish),
	)
	return m
}

// ConnectAll subscribes symbols on every registered exchange and every
// market type it supports.
func (c *Coordinator) ConnectAll(ctx context.Context, symbols []string) error {
	var targets []Target
	for _, id := range c.registry.IDs() {
		adapter, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		for _, mt := range adapter.Config().Markets() {
			targets = append(targets, Target{Exchange: id, Market: mt, Symbols: symbols})
		}
	}
	return c.ConnectTargets(ctx, targets)
}

// ConnectTargets connects every target concurrently and returns the first
// configuration error. Targets that are valid are connected regardless.
func (c *Coordinator) ConnectTargets(ctx context.Context, targets []Target) error {
	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			_, err := c.Connect(ctx, t.Exchange, t.Symbols, t.Market)
			return err
		})
	}
	return g.Wait()
}

// Disconnect tears down every connection of exchange.
func (c *Coordinator) Disconnect(id models.ExchangeID) {
	for _, key := range c.keys() {
		if key.exchange == id {
			c.disconnect(key)
		}
	}
}

// DisconnectAll tears down every connection concurrently.
func (c *Coordinator) DisconnectAll() {
	var g errgroup.Group
	for _, key := range c.keys() {
		key := key
		g.Go(func() error {
			c.disconnect(key)
			return nil
		})
	}
	_ = g.Wait()
}

// Close disconnects everything and detaches from the book manager.
func (c *Coordinator) Close() {
	c.DisconnectAll()
	if c.unsubResync != nil {
		c.unsubResync()
	}
}

func (c *Coordinator) disconnect(key connKey) {
	c.mu.Lock()
	m, ok := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	m.conn.Disconnect()
	for _, unsub := range m.unsubs {
		unsub()
	}
	c.log.WithComponent("coordinator").WithFields(logger.Fields{
		"exchange": key.exchange,
		"market":   key.market,
	}).Info("disconnected")
}

func (c *Coordinator) keys() []connKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]connKey, 0, len(c.conns))
	for k := range c.conns {
		keys = append(keys, k)
	}
	return keys
}

// connections returns the connections of exchange ordered by market type.
func (c *Coordinator) connections(id models.ExchangeID) []*connection.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*connection.Connection
	for _, mt := range models.MarketTypes {
		if m, ok := c.conns[connKey{exchange: id, market: mt}]; ok {
			out = append(out, m.conn)
		}
	}
	return out
}

// exchanges lists exchanges with at least one connection in priority order.
func (c *Coordinator) exchanges() []models.ExchangeID {
	var out []models.ExchangeID
	for _, key := range c.keys() {
		if !slices.Contains(out, key.exchange) {
			out = append(out, key.exchange)
		}
	}
	slices.SortFunc(out, func(a, b models.ExchangeID) int {
		if d := a.Priority() - b.Priority(); d != 0 {
			return d
		}
		return strings.Compare(string(a), string(b))
	})
	return out
}

// Prices returns the last known ticker per symbol for exchange. When the
// same symbol streams on several market types, spot wins over futures and
// futures over inverse.
func (c *Coordinator) Prices(id models.ExchangeID) map[string]models.TickerUpdate {
	out := make(map[string]models.TickerUpdate)
	for _, conn := range c.connections(id) {
		for sym, u := range conn.Prices() {
			if _, ok := out[sym]; !ok {
				out[sym] = u
			}
		}
	}
	return out
}

func (c *Coordinator) Price(id models.ExchangeID, symbol string) (models.TickerUpdate, bool) {
	for _, conn := range c.connections(id) {
		if u, ok := conn.Price(symbol); ok {
			return u, true
		}
	}
	return models.TickerUpdate{}, false
}

// AllPrices merges every exchange's prices by symbol. Conflicts resolve by
// exchange priority, not by recency.
func (c *Coordinator) AllPrices() map[string]models.TickerUpdate {
	out := make(map[string]models.TickerUpdate)
	for _, id := range c.exchanges() {
		for sym, u := range c.Prices(id) {
			if _, ok := out[sym]; !ok {
				out[sym] = u
			}
		}
	}
	return out
}

// Status returns the healthiest status across the exchange's connections.
func (c *Coordinator) Status(id models.ExchangeID) models.ConnectionStatus {
	best := models.StatusDisconnected
	for _, conn := range c.connections(id) {
		if s := conn.Status(); s.Better(best) {
			best = s
		}
	}
	return best
}

func (c *Coordinator) AllStatuses() map[models.ExchangeID]models.ConnectionStatus {
	out := make(map[models.ExchangeID]models.ConnectionStatus)
	for _, id := range c.exchanges() {
		out[id] = c.Status(id)
	}
	return out
}

// Connections describes every connection in exchange priority order.
func (c *Coordinator) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	for _, id := range c.exchanges() {
		for _, conn := range c.connections(id) {
			out = append(out, ConnectionInfo{
				Exchange: conn.Exchange(),
				Market:   conn.Market(),
				Status:   conn.Status(),
				Symbols:  conn.Symbols(),
			})
		}
	}
	return out
}

// OnTicker registers fn for tickers from every connection.
func (c *Coordinator) OnTicker(fn func(models.TickerUpdate)) func() {
	return c.tickers.Subscribe(fn)
}

func (c *Coordinator) OnStatus(fn func(models.StatusEvent)) func() {
	return c.statuses.Subscribe(fn)
}

func (c *Coordinator) OnError(fn func(models.ErrorEvent)) func() {
	return c.errs.Subscribe(fn)
}

// resync forwards a book's resync request to the connection streaming it.
func (c *Coordinator) resync(req orderbook.ResyncRequest) {
	for _, conn := range c.connections(req.Exchange) {
		if !slices.Contains(conn.Symbols(), req.Symbol) {
			continue
		}
		if err := conn.Resync(req.Symbol); err != nil {
			c.log.WithComponent("coordinator").WithError(err).WithFields(logger.Fields{
				"exchange": req.Exchange,
				"symbol":   req.Symbol,
			}).Warn("failed to request depth resync")
		}
		return
	}
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
