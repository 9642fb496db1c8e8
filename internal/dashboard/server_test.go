package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/config"
	"marketflow/internal/coordinator"
	"marketflow/internal/metrics"
	"marketflow/internal/orderbook"
	"marketflow/logger"
	"marketflow/models"
)

type fakeFeeds struct {
	prices map[models.ExchangeID]map[string]models.TickerUpdate
}

func (f fakeFeeds) AllPrices() map[string]models.TickerUpdate {
	out := map[string]models.TickerUpdate{}
	for _, id := range models.ExchangePriority {
		for sym, u := range f.prices[id] {
			if _, ok := out[sym]; !ok {
				out[sym] = u
			}
		}
	}
	return out
}

func (f fakeFeeds) Prices(id models.ExchangeID) map[string]models.TickerUpdate {
	return f.prices[id]
}

func (f fakeFeeds) AllStatuses() map[models.ExchangeID]models.ConnectionStatus {
	return map[models.ExchangeID]models.ConnectionStatus{models.Binance: models.StatusConnected}
}

func (f fakeFeeds) Connections() []coordinator.ConnectionInfo {
	return []coordinator.ConnectionInfo{{
		Exchange: models.Binance, Market: models.Spot, Status: models.StatusConnected, Symbols: []string{"BTCUSDT"},
	}}
}

func newTestRouter(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	books := orderbook.NewManager(orderbook.ManagerConfig{})
	require.NoError(t, books.InitializeBook(models.OrderBookSnapshot{
		Exchange: models.Binance,
		Symbol:   "BTCUSDT",
		Bids:     []models.LevelUpdate{{Price: 99, Amount: 1}},
		Asks:     []models.LevelUpdate{{Price: 100, Amount: 2}, {Price: 101, Amount: 3}},
		Sequence: 1,
	}))
	require.NoError(t, books.InitializeBook(models.OrderBookSnapshot{
		Exchange: models.Bybit,
		Symbol:   "BTCUSDT",
		Bids:     []models.LevelUpdate{{Price: 99.5, Amount: 1}},
		Asks:     []models.LevelUpdate{{Price: 100.5, Amount: 1}},
		Sequence: 1,
	}))
	feeds := fakeFeeds{prices: map[models.ExchangeID]map[string]models.TickerUpdate{
		models.Binance: {"BTCUSDT": {Exchange: models.Binance, Symbol: "BTCUSDT", Price: 100}},
		models.Bybit: {
			"BTCUSDT": {Exchange: models.Bybit, Symbol: "BTCUSDT", Price: 101},
			"ETHUSDT": {Exchange: models.Bybit, Symbol: "ETHUSDT", Price: 3000},
		},
	}}

	srv, err := NewServer(config.DashboardConfig{Enabled: true, MetricsHistory: 10, LogHistory: 10}, logger.Logger(), feeds, books)
	require.NoError(t, err)
	require.NotNil(t, srv)
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter("marketflow")
	require.NoError(t, err)
	return srv, router
}

func get(t *testing.T, router http.Handler, path string) (int, map[string]any) {
	t.Helper()
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if res.Body.Len() > 0 && res.Header().Get("Content-Type") != "" && res.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	}
	return res.Code, body
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://10.0.0.7:8080":           "10.0.0.7:8080",
		"https://10.0.0.7":               "10.0.0.7:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		assert.Equal(t, want, normalizeAddress(input), "normalizeAddress(%q)", input)
	}
}

func TestNewServer(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, err := NewServer(config.DashboardConfig{}, logger.Logger(), fakeFeeds{}, orderbook.NewManager(orderbook.ManagerConfig{}))
		require.NoError(t, err)
		assert.Nil(t, srv)
		assert.Empty(t, srv.Address())
	})

	t.Run("normalizes address", func(t *testing.T) {
		srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), fakeFeeds{}, orderbook.NewManager(orderbook.ManagerConfig{}))
		require.NoError(t, err)
		require.NotNil(t, srv)
		defer srv.cleanup()
		assert.Equal(t, "0.0.0.0:9000", srv.Address())
	})

	t.Run("requires sources", func(t *testing.T) {
		_, err := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), nil, nil)
		assert.Error(t, err)
	})
}

func TestPriceAndStatusRoutes(t *testing.T) {
	_, router := newTestRouter(t)

	code, body := get(t, router, "/api/prices")
	require.Equal(t, http.StatusOK, code)
	prices := body["prices"].(map[string]any)
	assert.Len(t, prices, 2)
	assert.Equal(t, "binance", prices["BTCUSDT"].(map[string]any)["exchange"])

	code, body = get(t, router, "/api/prices/BYBIT")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["prices"], 2)

	code, _ = get(t, router, "/api/prices/mtgox")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, router, "/api/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", body["exchanges"].(map[string]any)["binance"])

	code, body = get(t, router, "/healthz")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["connected"])
}

func TestBookRoutes(t *testing.T) {
	_, router := newTestRouter(t)

	code, body := get(t, router, "/api/books/binance/btcusdt/stats")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["spread"])

	code, body = get(t, router, "/api/books/binance/BTCUSDT/impact?size=4&side=buy")
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, 100.5, body["avg_price"], 1e-9)
	assert.Equal(t, 101.0, body["worst_price"])

	code, _ = get(t, router, "/api/books/binance/BTCUSDT/impact?size=-1")
	assert.Equal(t, http.StatusBadRequest, code)
	for _, size := range []string{"NaN", "Inf", "-Inf"} {
		code, _ = get(t, router, "/api/books/binance/BTCUSDT/impact?size="+size)
		assert.Equal(t, http.StatusBadRequest, code, size)
	}
	code, _ = get(t, router, "/api/books/binance/BTCUSDT/impact?size=1&side=hold")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, router, "/api/books/okx/BTCUSDT/stats")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, router, "/api/aggregate/BTCUSDT")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 99.5, body["best_bid"])
	assert.Equal(t, "bybit", body["best_bid_exchange"])
	assert.Equal(t, 100.0, body["best_ask"])
	assert.Equal(t, float64(2), body["exchanges"])

	code, body = get(t, router, "/api/aggregate/BTCUSDT?exchanges=binance")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 99.0, body["best_bid"])

	code, body = get(t, router, "/api/books")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["books"], 2)
}

func TestMetricsAndLogsRoutes(t *testing.T) {
	srv, router := newTestRouter(t)
	log := srv.log

	metrics.EmitMetric(log, "connection", "frames_received", 5, "counter", logger.Fields{"exchange": "binance"})
	log.WithComponent("dashboard_test").Warn("something odd")
	log.WithComponent("dashboard_test").Debug("noise")

	code, body := get(t, router, "/api/metrics?component=connection")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["metrics"])
	assert.NotEmpty(t, srv.metricStore.query("connection"))

	code, body = get(t, router, "/api/logs?level=warning&component=dashboard_test")
	require.Equal(t, http.StatusOK, code)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "something odd", logs[0].(map[string]any)["message"])

	code, _ = get(t, router, "/api/logs?level=loud")
	assert.Equal(t, http.StatusBadRequest, code)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, res.Code)
}
