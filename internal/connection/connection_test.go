package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/exchange"
	"marketflow/models"
)

const waitFor = 2 * time.Second

// fakeTransport is an in-memory socket. Frames pushed to in are returned by
// ReadMessage until Close.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	default:
	}
	select {
	case frame := <-f.in:
		return websocket.TextMessage, frame, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(data))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// fakeDialer hands out transports in order and counts dials.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      atomic.Int32
	err        error
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

// stubAdapter speaks a tiny JSON dialect: {"symbol":"BTCUSDT","price":1}.
type stubAdapter struct {
	cfg exchange.ProtocolConfig
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{cfg: exchange.ProtocolConfig{
		Exchange: models.Binance,
		URLs:     map[models.MarketType]string{models.Spot: "ws://stub"},
	}}
}

func (a *stubAdapter) ID() models.ExchangeID            { return models.Binance }
func (a *stubAdapter) Config() exchange.ProtocolConfig { return a.cfg }

func (a *stubAdapter) Subscribe(s exchange.Sender, symbols []string, _ models.MarketType) error {
	return s.SendJSON(map[string]any{"subscribe": symbols})
}

func (a *stubAdapter) HandlePing(s exchange.Sender, frame []byte) bool {
	if string(frame) != "ping" {
		return false
	}
	_ = s.Send([]byte("pong"))
	return true
}

func (a *stubAdapter) Parse(frame []byte) (*models.TickerUpdate, error) {
	var msg struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, &models.ProtocolDecodeError{Exchange: models.Binance, Frame: frame, Err: err}
	}
	if msg.Symbol == "" {
		return nil, nil
	}
	return &models.TickerUpdate{Exchange: models.Binance, Symbol: msg.Symbol, Price: msg.Price}, nil
}

type pingingAdapter struct {
	*stubAdapter
}

func (a pingingAdapter) Ping(s exchange.Sender) error {
	return s.Send([]byte("hb"))
}

type bootstrapAdapter struct {
	*stubAdapter
	err error
}

func (a bootstrapAdapter) Bootstrap(context.Context, models.MarketType) (exchange.Endpoint, error) {
	return exchange.Endpoint{}, &models.AuthBootstrapError{Exchange: models.KuCoin, Err: a.err}
}

type depthAdapter struct {
	*stubAdapter
}

func (a depthAdapter) ParseDepth(frame []byte) (*exchange.DepthUpdate, error) {
	if !strings.HasPrefix(string(frame), "depth:") {
		return nil, nil
	}
	return &exchange.DepthUpdate{Snapshot: &models.OrderBookSnapshot{
		Exchange: models.Binance,
		Symbol:   strings.TrimPrefix(string(frame), "depth:"),
		Sequence: 1,
	}}, nil
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []models.OrderBookSnapshot
}

func (s *recordingSink) InitializeBook(snap models.OrderBookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *recordingSink) ApplyDelta(models.OrderBookDelta) (bool, error) { return true, nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// statusRecorder buffers status events for a test to wait on.
func statusRecorder(c *Connection) chan models.StatusEvent {
	ch := make(chan models.StatusEvent, 64)
	c.OnStatus(func(e models.StatusEvent) { ch <- e })
	return ch
}

func waitStatus(t *testing.T, ch chan models.StatusEvent, want models.ConnectionStatus) models.StatusEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-ch:
			if e.Status == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
	}
}

func TestReconnectPolicyGrowsAndCaps(t *testing.T) {
	p := newReconnectPolicy(time.Second, 60*time.Second, 10)

	var got []time.Duration
	for {
		d, ok := p.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60, 60}
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.Equal(t, w*time.Second, got[i], "attempt %d", i+1)
	}
	assert.Equal(t, 10, p.Attempt())

	p.Reset()
	d, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, p.Attempt())
}

func TestConnectSubscribesAndPublishesTickers(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	c := New(newStubAdapter(), models.Spot, []string{"BTCUSDT", "BTCUSDT", "ETHUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)
	tickers := make(chan models.TickerUpdate, 4)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)

	tr := dialer.last()
	require.Eventually(t, func() bool { return len(tr.Written()) == 1 }, waitFor, 5*time.Millisecond)
	assert.JSONEq(t, `{"subscribe":["BTCUSDT","ETHUSDT"]}`, tr.Written()[0])

	tr.in <- []byte(`{"symbol":"BTCUSDT","price":50000}`)
	select {
	case u := <-tickers:
		assert.Equal(t, "BTCUSDT", u.Symbol)
		assert.Equal(t, 50000.0, u.Price)
	case <-time.After(waitFor):
		t.Fatal("no ticker published")
	}

	p, ok := c.Price("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, p.Price)
	assert.Len(t, c.Prices(), 1)
	assert.Equal(t, models.StatusConnected, c.Status())

	// second connect is a no-op while connected
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestCallerContextDoesNotEndConnection(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	c := New(newStubAdapter(), models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)
	tickers := make(chan models.TickerUpdate, 4)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()

	cancel()

	// the socket keeps reading after the caller's context ended
	tr.in <- []byte(`{"symbol":"BTCUSDT","price":7}`)
	select {
	case u := <-tickers:
		assert.Equal(t, 7.0, u.Price)
	case <-time.After(waitFor):
		t.Fatal("connection stopped reading after caller context was cancelled")
	}
	select {
	case <-tr.closed:
		t.Fatal("transport closed by caller context")
	default:
	}
	assert.Equal(t, models.StatusConnected, c.Status())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), dialer.dials.Load())

	c.Disconnect()
	assert.Equal(t, models.StatusDisconnected, c.Status())
	<-tr.closed

	require.NoError(t, c.Connect(context.Background()))
	waitStatus(t, statuses, models.StatusConnected)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	c := New(newStubAdapter(), models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)
	errs := make(chan models.ErrorEvent, 8)
	c.OnError(func(e models.ErrorEvent) { errs <- e })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)

	for i := 0; i < 5; i++ {
		mock.Add(10 * time.Second)
	}
	select {
	case e := <-statuses:
		t.Fatalf("status changed before timeout: %s", e.Status)
	case <-time.After(50 * time.Millisecond):
	}

	mock.Add(10 * time.Second)
	ev := waitStatus(t, statuses, models.StatusError)
	assert.Equal(t, 1, ev.Attempt)

	select {
	case e := <-errs:
		var te *models.TransportError
		require.ErrorAs(t, e.Err, &te)
		assert.ErrorIs(t, e.Err, errHeartbeatTimeout)
	case <-time.After(waitFor):
		t.Fatal("no error event")
	}

	mock.Add(time.Second)
	waitStatus(t, statuses, models.StatusConnected)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestFramesKeepConnectionAlive(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	c := New(newStubAdapter(), models.Spot, nil,
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)
	tickers := make(chan models.TickerUpdate, 16)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()

	for i := 0; i < 12; i++ {
		mock.Add(10 * time.Second)
		tr.in <- []byte(`{"symbol":"BTCUSDT","price":1}`)
		<-tickers
	}
	assert.Equal(t, models.StatusConnected, c.Status())
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{err: errors.New("connection refused")}
	c := New(newStubAdapter(), models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)

	require.NoError(t, c.Connect(context.Background()))
	waitStatus(t, statuses, models.StatusError)

	c.Disconnect()
	assert.Equal(t, models.StatusDisconnected, c.Status())

	mock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestReconnectAttemptsAreBounded(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{err: errors.New("connection refused")}
	c := New(newStubAdapter(), models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, d := range delays {
		ev := waitStatus(t, statuses, models.StatusError)
		assert.Equal(t, i+1, ev.Attempt)

		mock.Add(d - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(i+1), dialer.dials.Load(), "redialed before delay elapsed")
		mock.Add(time.Millisecond)
	}

	// the last failure has no retry left
	waitStatus(t, statuses, models.StatusError)
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return !c.running
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(4), dialer.dials.Load())
	assert.Equal(t, models.StatusError, c.Status())

	// a fresh connect starts over
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return dialer.dials.Load() == 5 }, waitFor, 5*time.Millisecond)
}

func TestDecodeErrorKeepsConnectionOpen(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	c := New(newStubAdapter(), models.Spot, nil,
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)
	errs := make(chan models.ErrorEvent, 4)
	c.OnError(func(e models.ErrorEvent) { errs <- e })
	tickers := make(chan models.TickerUpdate, 4)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()

	tr.in <- []byte(`{not json`)
	select {
	case e := <-errs:
		var pe *models.ProtocolDecodeError
		require.ErrorAs(t, e.Err, &pe)
		assert.True(t, models.IsRecoverable(e.Err))
	case <-time.After(waitFor):
		t.Fatal("no decode error")
	}

	tr.in <- []byte(`{"symbol":"ETHUSDT","price":3000}`)
	select {
	case u := <-tickers:
		assert.Equal(t, "ETHUSDT", u.Symbol)
	case <-time.After(waitFor):
		t.Fatal("connection stopped after decode error")
	}
	assert.Equal(t, models.StatusConnected, c.Status())
}

func TestApplicationPings(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	a := pingingAdapter{newStubAdapter()}
	a.cfg.PingInterval = 20 * time.Second
	c := New(a, models.Spot, nil, WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()

	tr.in <- []byte("ping")
	require.Eventually(t, func() bool {
		w := tr.Written()
		return len(w) == 1 && w[0] == "pong"
	}, waitFor, 5*time.Millisecond)

	mock.Add(20 * time.Second)
	require.Eventually(t, func() bool {
		w := tr.Written()
		return len(w) == 2 && w[1] == "hb"
	}, waitFor, 5*time.Millisecond)
}

func TestBootstrapFailureIsRetried(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	a := bootstrapAdapter{stubAdapter: newStubAdapter(), err: errors.New("status 503")}
	c := New(a, models.Spot, []string{"BTCUSDT"}, WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)
	errs := make(chan models.ErrorEvent, 8)
	c.OnError(func(e models.ErrorEvent) { errs <- e })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	waitStatus(t, statuses, models.StatusError)
	e := <-errs
	var ae *models.AuthBootstrapError
	require.ErrorAs(t, e.Err, &ae)
	assert.Zero(t, dialer.dials.Load())

	mock.Add(time.Second)
	waitStatus(t, statuses, models.StatusConnecting)
	waitStatus(t, statuses, models.StatusError)
	assert.Len(t, errs, 1)
}

func TestUnsupportedMarketRejected(t *testing.T) {
	c := New(newStubAdapter(), models.Inverse, []string{"BTCUSDT"}, WithDialer(&fakeDialer{}))
	err := c.Connect(context.Background())

	var ce *models.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.StatusDisconnected, c.Status())
}

func TestDepthFramesReachBookSink(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	sink := &recordingSink{}
	c := New(depthAdapter{newStubAdapter()}, models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()), WithBookSink(sink))
	statuses := statusRecorder(c)
	tickers := make(chan models.TickerUpdate, 4)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()

	tr.in <- []byte("depth:BTCUSDT")
	tr.in <- []byte(`{"symbol":"BTCUSDT","price":1}`)
	<-tickers
	assert.Equal(t, 1, sink.count())
}

func TestDepthForUnsubscribedSymbolDropped(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	sink := &recordingSink{}
	c := New(depthAdapter{newStubAdapter()}, models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()), WithBookSink(sink))
	statuses := statusRecorder(c)
	tickers := make(chan models.TickerUpdate, 4)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })
	errs := make(chan models.ErrorEvent, 4)
	c.OnError(func(e models.ErrorEvent) { errs <- e })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()

	tr.in <- []byte("depth:DOGEUSDT")
	tr.in <- []byte("depth:BTCUSDT")
	tr.in <- []byte(`{"symbol":"BTCUSDT","price":1}`)
	<-tickers

	assert.Equal(t, 1, sink.count())
	sink.mu.Lock()
	assert.Equal(t, "BTCUSDT", sink.snapshots[0].Symbol)
	sink.mu.Unlock()
	assert.Empty(t, errs, "an unsubscribed symbol is not an error")
}

func TestAddSymbolsSubscribesOnOpenSocket(t *testing.T) {
	mock := clock.NewMock()
	dialer := &fakeDialer{}
	c := New(newStubAdapter(), models.Spot, []string{"BTCUSDT"},
		WithClock(mock), WithDialer(dialer), WithConfig(testConfig()))
	statuses := statusRecorder(c)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, models.StatusConnected)
	tr := dialer.last()
	require.Eventually(t, func() bool { return len(tr.Written()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.AddSymbols([]string{"BTCUSDT", "SOLUSDT"}))
	w := tr.Written()
	require.Len(t, w, 2)
	assert.JSONEq(t, `{"subscribe":["SOLUSDT"]}`, w[1])
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, c.Symbols())

	// nothing new, nothing sent
	require.NoError(t, c.AddSymbols([]string{"SOLUSDT"}))
	assert.Len(t, tr.Written(), 2)
}

func TestResyncRequiresSupport(t *testing.T) {
	c := New(newStubAdapter(), models.Spot, nil, WithDialer(&fakeDialer{}))
	var ce *models.ConfigurationError
	require.ErrorAs(t, c.Resync("BTCUSDT"), &ce)
}

func TestLiveWebsocketBinance(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		frame := `{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"50000.5","b":"50000","a":"50001","P":"1.5","v":"10","h":"51000","l":"49000"}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	adapter := exchange.NewBinance(exchange.ProtocolConfig{
		URLs: map[models.MarketType]string{models.Spot: wsURL},
	})
	c := New(adapter, models.Spot, []string{"BTCUSDT"})
	tickers := make(chan models.TickerUpdate, 1)
	c.OnTicker(func(u models.TickerUpdate) { tickers <- u })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	select {
	case msg := <-subscribed:
		assert.Contains(t, msg, `"btcusdt@ticker"`)
	case <-time.After(waitFor):
		t.Fatal("server did not receive subscribe")
	}
	select {
	case u := <-tickers:
		assert.Equal(t, "BTCUSDT", u.Symbol)
		assert.Equal(t, 50000.5, u.Price)
		assert.Equal(t, 1.5, u.Change24h)
	case <-time.After(waitFor):
		t.Fatal("no ticker from live socket")
	}
	assert.Equal(t, models.StatusConnected, c.Status())

	c.Disconnect()
	assert.Equal(t, models.StatusDisconnected, c.Status())
}
