// Registers:
//
//	#marketflow_frames_total / marketflow_frame_bytes_total
//	#marketflow_tickers_total
//	#marketflow_decode_errors_total
//	#marketflow_reconnects_total
//	#marketflow_connection_status
//	#marketflow_orderbook_gaps_total / marketflow_orderbook_resyncs_total
//	#marketflow_dropped_total
//	#go_* and process_* system metrics
//
// Exposed through Handler, which the dashboard mounts on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	framesTotal      *prometheus.CounterVec
	frameBytesTotal  *prometheus.CounterVec
	tickersTotal     *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
	connectionStatus *prometheus.GaugeVec
	bookGaps         *prometheus.CounterVec
	bookResyncs      *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
)

// Init creates and registers the collectors. Recording helpers are no-ops
// until Init has run, which keeps unit tests free of global state.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_frames_total",
			Help: "Inbound websocket frames by exchange and market type",
		}, []string{"exchange", "market"})
		frameBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_frame_bytes_total",
			Help: "Inbound websocket bytes by exchange and market type",
		}, []string{"exchange", "market"})
		tickersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_tickers_total",
			Help: "Ticker updates parsed by exchange",
		}, []string{"exchange"})
		decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_decode_errors_total",
			Help: "Frames that failed to inflate or decode",
		}, []string{"exchange"})
		reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_reconnects_total",
			Help: "Scheduled reconnect attempts",
		}, []string{"exchange", "market"})
		connectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketflow_connection_status",
			Help: "Connection status (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}, []string{"exchange", "market"})
		bookGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_orderbook_gaps_total",
			Help: "Order book deltas buffered behind a sequence gap",
		}, []string{"exchange"})
		bookResyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_orderbook_resyncs_total",
			Help: "Order book resync requests after a gap did not close",
		}, []string{"exchange"})
		droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketflow_dropped_total",
			Help: "Messages dropped by reason",
		}, []string{"reason", "exchange"})

		registry.MustRegister(
			framesTotal, frameBytesTotal, tickersTotal, decodeErrors, reconnectsTotal,
			connectionStatus, bookGaps, bookResyncs, droppedTotal,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the Prometheus exposition for the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordFrame counts one inbound frame of size bytes.
func RecordFrame(exchange, market string, size int) {
	if framesTotal != nil {
		framesTotal.WithLabelValues(exchange, market).Inc()
		frameBytesTotal.WithLabelValues(exchange, market).Add(float64(size))
	}
}

// RecordTicker counts one parsed ticker update.
func RecordTicker(exchange string) {
	if tickersTotal != nil {
		tickersTotal.WithLabelValues(exchange).Inc()
	}
}

// RecordDecodeError counts one undecodable frame.
func RecordDecodeError(exchange string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(exchange).Inc()
	}
}

// RecordReconnect counts one scheduled reconnect.
func RecordReconnect(exchange, market string) {
	if reconnectsTotal != nil {
		reconnectsTotal.WithLabelValues(exchange, market).Inc()
	}
}

// SetConnectionStatus exports the numeric connection status.
func SetConnectionStatus(exchange, market string, status int) {
	if connectionStatus != nil {
		connectionStatus.WithLabelValues(exchange, market).Set(float64(status))
	}
}

// RecordBookGap counts one delta buffered behind a gap.
func RecordBookGap(exchange string) {
	if bookGaps != nil {
		bookGaps.WithLabelValues(exchange).Inc()
	}
}

// RecordBookResync counts one resync request.
func RecordBookResync(exchange string) {
	if bookResyncs != nil {
		bookResyncs.WithLabelValues(exchange).Inc()
	}
}

func recordDrop(reason, exchange string) {
	if droppedTotal != nil {
		droppedTotal.WithLabelValues(reason, exchange).Inc()
	}
}
