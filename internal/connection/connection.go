package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marketflow/internal/events"
	"marketflow/internal/exchange"
	"marketflow/internal/metrics"
	"marketflow/logger"
	"marketflow/models"
)

var (
	errHeartbeatTimeout = errors.New("no frames within heartbeat timeout")
	errNotConnected     = errors.New("not connected")
)

// Config holds the liveness and reconnect settings of a connection.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

// DefaultConfig checks liveness every 10s, declares the socket dead after
// 60s of silence and retries 10 times starting at 1s, capped at 60s.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		DialTimeout:       10 * time.Second,
		MaxAttempts:       10,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// BookSink receives depth frames. *orderbook.Manager implements it.
type BookSink interface {
	InitializeBook(snapshot models.OrderBookSnapshot) error
	ApplyDelta(delta models.OrderBookDelta) (bool, error)
}

// Option configures a Connection.
type Option func(*Connection)

func WithClock(c clock.Clock) Option {
	return func(conn *Connection) { conn.clock = c }
}

func WithDialer(d Dialer) Option {
	return func(conn *Connection) { conn.dialer = d }
}

func WithConfig(cfg Config) Option {
	return func(conn *Connection) { conn.cfg = cfg }
}

func WithLogger(l *logger.Log) Option {
	return func(conn *Connection) { conn.rootLog = l }
}

// WithBookSink routes depth frames from adapters that stream them.
func WithBookSink(s BookSink) Option {
	return func(conn *Connection) { conn.books = s }
}

// Connection owns one socket to one exchange for one market type and keeps
// it alive: it resolves the endpoint, subscribes, watches liveness and
// reconnects with exponential backoff.
type Connection struct {
	adapter exchange.Adapter
	market  models.MarketType
	cfg     Config
	clock   clock.Clock
	dialer  Dialer
	books   BookSink
	limiter *rate.Limiter
	rootLog *logger.Log
	log     *logger.Entry

	mu        sync.RWMutex
	status    models.ConnectionStatus
	symbols   []string
	prices    map[string]models.TickerUpdate
	sender    *session
	sessionID string
	attempt   int
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	lastActivity atomic.Int64

	tickers  *events.Hub[models.TickerUpdate]
	statuses *events.Hub[models.StatusEvent]
	errs     *events.Hub[models.ErrorEvent]
}

// New returns a disconnected connection for symbols on market. Symbols are
// canonical and are mapped by the adapter on subscribe.
func New(adapter exchange.Adapter, market models.MarketType, symbols []string, opts ...Option) *Connection {
	c := &Connection{
		adapter:  adapter,
		market:   market,
		cfg:      DefaultConfig(),
		symbols:  dedupe(nil, symbols),
		prices:   make(map[string]models.TickerUpdate),
		tickers:  events.NewHub[models.TickerUpdate](),
		statuses: events.NewHub[models.StatusEvent](),
		errs:     events.NewHub[models.ErrorEvent](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.dialer == nil {
		c.dialer = WebsocketDialer{}
	}
	if c.rootLog == nil {
		c.rootLog = logger.GetLogger()
	}
	c.log = c.rootLog.WithComponent("connection").WithFields(logger.Fields{
		"exchange": adapter.ID(),
		"market":   market,
	})

	limit, burst := rate.Inf, 1
	if mps := adapter.Config().MessagesPerSecond; mps > 0 {
		limit = rate.Limit(mps)
		burst = max(1, int(mps))
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c
}

func (c *Connection) Exchange() models.ExchangeID { return c.adapter.ID() }

func (c *Connection) Market() models.MarketType { return c.market }

func (c *Connection) Status() models.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Symbols returns the canonical symbols this connection subscribes to.
func (c *Connection) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.symbols)
}

// Prices returns a copy of the latest ticker per symbol.
func (c *Connection) Prices() map[string]models.TickerUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.TickerUpdate, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

func (c *Connection) Price(symbol string) (models.TickerUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.prices[symbol]
	return t, ok
}

// OnTicker registers fn for every decoded ticker. Delivery is synchronous and
// in receipt order. The returned func unsubscribes.
func (c *Connection) OnTicker(fn func(models.TickerUpdate)) func() {
	return c.tickers.Subscribe(fn)
}

func (c *Connection) OnStatus(fn func(models.StatusEvent)) func() {
	return c.statuses.Subscribe(fn)
}

func (c *Connection) OnError(fn func(models.ErrorEvent)) func() {
	return c.errs.Subscribe(fn)
}

// Connect starts the connection in the background and returns at once. It
// is a no-op while the connection is running. Only an unsupported market is
// reported here; every later failure surfaces through OnError and OnStatus.
// Values from ctx are kept but its cancellation is not: the connection lives
// until Disconnect.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.adapter.Config().Supports(c.market) {
		return &models.ConfigurationError{Exchange: c.adapter.ID(), Market: c.market, Reason: "market type not supported"}
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel, c.done, c.running = cancel, done, true
	c.mu.Unlock()

	c.setStatus(models.StatusConnecting)
	go c.run(runCtx, done)
	return nil
}

// Disconnect stops the connection and cancels every pending timer. It
// blocks until the background goroutines have exited.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setStatus(models.StatusDisconnected)

	// a cancelled run leaves running set so Connect cannot race the status
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// AddSymbols subscribes symbols that are not yet part of this connection.
// When the socket is open they are subscribed immediately, otherwise on the
// next connect.
func (c *Connection) AddSymbols(symbols []string) error {
	c.mu.Lock()
	before := len(c.symbols)
	c.symbols = dedupe(c.symbols, symbols)
	added := slices.Clone(c.symbols[before:])
	s := c.sender
	c.mu.Unlock()

	if len(added) == 0 || s == nil {
		return nil
	}
	if err := c.adapter.Subscribe(s, added, c.market); err != nil {
		return c.transportError("subscribe", err)
	}
	return nil
}

// Resync asks the exchange for a fresh depth snapshot of symbol.
func (c *Connection) Resync(symbol string) error {
	r, ok := c.adapter.(exchange.Resyncer)
	if !ok {
		return &models.ConfigurationError{Exchange: c.adapter.ID(), Market: c.market, Reason: "depth resync not supported"}
	}
	c.mu.RLock()
	s := c.sender
	c.mu.RUnlock()
	if s == nil {
		return c.transportError("resync", errNotConnected)
	}
	c.log.WithField("symbol", symbol).Info("requesting depth snapshot")
	return r.Resync(s, symbol, c.market)
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	policy := newReconnectPolicy(c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.MaxAttempts)
	for {
		err := c.session(ctx, policy)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = c.transportError("read", errors.New("connection closed"))
		}
		c.emitError(err)

		var cfgErr *models.ConfigurationError
		if errors.As(err, &cfgErr) {
			c.log.WithError(err).Error("connection cannot be established")
			c.setStatus(models.StatusError)
			return
		}

		delay, ok := policy.Next()
		if !ok {
			c.log.WithError(err).WithField("attempts", c.cfg.MaxAttempts).Error("reconnect attempts exhausted")
			c.setStatus(models.StatusError)
			return
		}
		c.mu.Lock()
		c.attempt = policy.Attempt()
		c.mu.Unlock()

		timer := c.clock.Timer(delay)
		c.log.WithError(err).WithFields(logger.Fields{
			"attempt": policy.Attempt(),
			"delay":   delay.String(),
		}).Warn("connection lost, reconnecting")
		c.setStatus(models.StatusError)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		metrics.RecordReconnect(string(c.adapter.ID()), string(c.market))
		logger.IncrementReconnect(string(c.adapter.ID()))
		c.setStatus(models.StatusConnecting)
	}
}

// session runs one socket from endpoint resolution until it fails or ctx is
// cancelled.
func (c *Connection) session(ctx context.Context, policy *reconnectPolicy) error {
	endpoint, err := c.resolve(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	t, err := c.dialer.Dial(dialCtx, endpoint.URL)
	cancelDial()
	if err != nil {
		return c.transportError("dial", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.mu.Lock()
		c.sender = nil
		c.mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		t.Close()
	}()

	s := &session{c: c, t: t, ctx: sessCtx}
	c.touch()
	if cc, ok := t.(controlConn); ok {
		cc.SetPingHandler(func(data string) error {
			c.touch()
			err := cc.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
		cc.SetPongHandler(func(string) error {
			c.touch()
			return nil
		})
	}

	// timers exist before the status flips so observers can drive a mock clock
	watchdog := c.clock.Ticker(c.cfg.HeartbeatInterval)
	var pinger *clock.Ticker
	p, canPing := c.adapter.(exchange.Pinger)
	interval := endpoint.PingInterval
	if interval <= 0 {
		interval = c.adapter.Config().PingInterval
	}
	if canPing && interval > 0 {
		pinger = c.clock.Ticker(interval)
	}

	sessionID := uuid.NewString()
	c.mu.Lock()
	c.sender = s
	c.sessionID = sessionID
	c.attempt = 0
	symbols := slices.Clone(c.symbols)
	c.mu.Unlock()
	policy.Reset()
	c.setStatus(models.StatusConnected)
	c.log.WithFields(logger.Fields{
		"session": sessionID,
		"url":     endpoint.URL,
		"symbols": len(symbols),
	}).Info("connected")

	var timedOut atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watchdog.Stop()
		c.watch(sessCtx, watchdog, t, &timedOut)
	}()
	if pinger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pinger.Stop()
			c.ping(sessCtx, pinger, p, s)
		}()
	}

	if len(symbols) > 0 {
		if err := c.adapter.Subscribe(s, symbols, c.market); err != nil {
			if sessCtx.Err() != nil {
				return nil
			}
			return c.transportError("subscribe", err)
		}
	}

	return c.read(sessCtx, t, s, &timedOut)
}

func (c *Connection) resolve(ctx context.Context) (exchange.Endpoint, error) {
	if b, ok := c.adapter.(exchange.Bootstrapper); ok {
		return b.Bootstrap(ctx, c.market)
	}
	u, err := c.adapter.Config().URL(c.market)
	if err != nil {
		return exchange.Endpoint{}, err
	}
	return exchange.Endpoint{URL: u}, nil
}

// watch closes the transport once no frame has arrived for the heartbeat
// timeout. The blocked read then fails and the run loop reconnects.
func (c *Connection) watch(ctx context.Context, ticker *clock.Ticker, t Transport, timedOut *atomic.Bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := c.clock.Now().Sub(time.Unix(0, c.lastActivity.Load()))
			if idle >= c.cfg.HeartbeatTimeout {
				c.log.WithField("idle", idle.String()).Warn("heartbeat timeout, closing socket")
				timedOut.Store(true)
				t.Close()
				return
			}
		}
	}
}

func (c *Connection) ping(ctx context.Context, ticker *clock.Ticker, p exchange.Pinger, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Ping(s); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("failed to send ping")
			}
		}
	}
}

func (c *Connection) read(ctx context.Context, t Transport, s *session, timedOut *atomic.Bool) error {
	exchangeName, marketName := string(c.adapter.ID()), string(c.market)
	for {
		_, frame, err := t.ReadMessage()
		if err != nil {
			if timedOut.Load() {
				return c.transportError("read", errHeartbeatTimeout)
			}
			if ctx.Err() != nil {
				return nil
			}
			return c.transportError("read", err)
		}
		c.touch()
		metrics.RecordFrame(exchangeName, marketName, len(frame))
		logger.RecordFrame(exchangeName, len(frame))
		c.handleFrame(s, frame)
	}
}

func (c *Connection) handleFrame(s *session, frame []byte) {
	if d, ok := c.adapter.(exchange.Decoder); ok {
		decoded, err := d.Decode(frame)
		if err != nil {
			c.decodeFailed(frame, err)
			return
		}
		frame = decoded
	}

	if c.adapter.HandlePing(s, frame) {
		return
	}

	if dp, ok := c.adapter.(exchange.DepthParser); ok && c.books != nil {
		update, err := dp.ParseDepth(frame)
		if err != nil {
			c.decodeFailed(frame, err)
			return
		}
		if update != nil {
			c.applyDepth(update)
			return
		}
	}

	ticker, err := c.adapter.Parse(frame)
	if err != nil {
		c.decodeFailed(frame, err)
		return
	}
	if ticker == nil {
		return
	}

	c.mu.Lock()
	c.prices[ticker.Symbol] = *ticker
	c.mu.Unlock()
	metrics.RecordTicker(string(c.adapter.ID()))
	c.tickers.Publish(*ticker)
}

func (c *Connection) applyDepth(u *exchange.DepthUpdate) {
	symbol := u.Symbol()
	if !slices.Contains(c.Symbols(), symbol) {
		metrics.EmitDropMetric(c.rootLog, metrics.DropMetricUnknownSymbol, string(c.adapter.ID()), string(c.market), symbol, "depth")
		c.log.WithField("symbol", symbol).Debug("dropping depth for unsubscribed symbol")
		return
	}

	var err error
	switch {
	case u.Snapshot != nil:
		err = c.books.InitializeBook(*u.Snapshot)
	case u.Delta != nil:
		_, err = c.books.ApplyDelta(*u.Delta)
	}
	if err == nil {
		return
	}
	var gap *models.SequenceGapError
	if errors.As(err, &gap) {
		c.log.WithError(err).Debug("depth sequence gap")
	} else {
		c.log.WithError(err).Warn("failed to apply depth update")
	}
	c.emitError(err)
}

func (c *Connection) decodeFailed(frame []byte, err error) {
	var pe *models.ProtocolDecodeError
	if !errors.As(err, &pe) {
		err = &models.ProtocolDecodeError{Exchange: c.adapter.ID(), Frame: frame, Err: err}
	}
	metrics.RecordDecodeError(string(c.adapter.ID()))
	metrics.EmitDropMetric(c.rootLog, metrics.DropMetricDecode, string(c.adapter.ID()), string(c.market), "", "decode")
	c.log.WithError(err).Debug("dropping undecodable frame")
	c.emitError(err)
}

func (c *Connection) touch() {
	c.lastActivity.Store(c.clock.Now().UnixNano())
}

func (c *Connection) setStatus(s models.ConnectionStatus) {
	c.mu.Lock()
	prev := c.status
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	attempt := c.attempt
	c.mu.Unlock()

	metrics.SetConnectionStatus(string(c.adapter.ID()), string(c.market), int(s))
	c.statuses.Publish(models.StatusEvent{
		Exchange:  c.adapter.ID(),
		Market:    c.market,
		Status:    s,
		Previous:  prev,
		Attempt:   attempt,
		Timestamp: c.clock.Now(),
	})
}

func (c *Connection) emitError(err error) {
	c.errs.Publish(models.ErrorEvent{
		Exchange:  c.adapter.ID(),
		Market:    c.market,
		Err:       err,
		Timestamp: c.clock.Now(),
	})
}

func (c *Connection) transportError(op string, err error) error {
	var te *models.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &models.TransportError{Exchange: c.adapter.ID(), Market: c.market, Op: op, Err: err}
}

// session is the Sender handed to adapters for one socket. Writes are rate
// limited per connection and serialised.
type session struct {
	c   *Connection
	t   Transport
	ctx context.Context
	mu  sync.Mutex
}

func (s *session) Send(data []byte) error {
	if err := s.c.limiter.Wait(s.ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.t.WriteMessage(websocket.TextMessage, data); err != nil {
		return s.c.transportError("write", err)
	}
	return nil
}

func (s *session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return s.Send(data)
}

// dedupe appends the symbols in add that are not already in base.
func dedupe(base, add []string) []string {
	out := slices.Clone(base)
	for _, s := range add {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
