package metrics

import "marketflow/logger"

// DropMetric identifies why a message was discarded.
type DropMetric string

const (
	// DropMetricDecode records frames that could not be inflated or decoded.
	DropMetricDecode DropMetric = "frames_undecodable"
	// DropMetricStaleDelta records order book deltas at or below the last sequence.
	DropMetricStaleDelta DropMetric = "deltas_stale"
	// DropMetricGapOverflow records buffered deltas discarded by the resync policy.
	DropMetricGapOverflow DropMetric = "deltas_gap_overflow"
	// DropMetricUnknownSymbol records depth frames for symbols nobody subscribed to.
	DropMetricUnknownSymbol DropMetric = "frames_unknown_symbol"
)

// EmitDropMetric counts one dropped message. Optional metadata (exchange,
// market, symbol, stage) is attached to the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, market, symbol, stage string) {
	recordDrop(string(metric), exchange)

	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if market != "" {
		fields["market"] = market
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
