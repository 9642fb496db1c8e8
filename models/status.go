package models

import "time"

// ConnectionStatus is the lifecycle state of one exchange connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// rank orders statuses from least to most useful for aggregation.
func (s ConnectionStatus) rank() int {
	switch s {
	case StatusConnected:
		return 3
	case StatusConnecting:
		return 2
	case StatusError:
		return 1
	default:
		return 0
	}
}

// Better reports whether s is a healthier status than other.
func (s ConnectionStatus) Better(other ConnectionStatus) bool {
	return s.rank() > other.rank()
}

// StatusEvent is published whenever a connection changes state.
type StatusEvent struct {
	Exchange  ExchangeID       `json:"exchange"`
	Market    MarketType       `json:"market"`
	Status    ConnectionStatus `json:"status"`
	Previous  ConnectionStatus `json:"previous"`
	Attempt   int              `json:"attempt,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ErrorEvent carries a recoverable connection level error.
type ErrorEvent struct {
	Exchange  ExchangeID `json:"exchange"`
	Market    MarketType `json:"market"`
	Err       error      `json:"-"`
	Timestamp time.Time  `json:"timestamp"`
}
