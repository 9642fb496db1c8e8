package models

import (
	"errors"
	"fmt"
)

// ErrBookNotFound is returned by queries against a book that was never fed.
var ErrBookNotFound = errors.New("order book not found")

// ErrBookEmpty is returned when a calculation needs liquidity that is absent.
var ErrBookEmpty = errors.New("order book side is empty")

// TransportError reports a connect, send or receive failure. The connection
// recovers by reconnecting with backoff.
type TransportError struct {
	Exchange ExchangeID
	Market   MarketType
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s transport %s: %v", e.Exchange, e.Market, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolDecodeError reports a frame that could not be inflated or decoded.
// The connection stays open.
type ProtocolDecodeError struct {
	Exchange ExchangeID
	Frame    []byte
	Err      error
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("%s decode frame (%d bytes): %v", e.Exchange, len(e.Frame), e.Err)
}

func (e *ProtocolDecodeError) Unwrap() error { return e.Err }

// SequenceGapError reports a delta that does not follow the book's last
// sequence. The delta is buffered until the gap closes or the resync policy
// gives up, in which case ResyncRequired is set.
type SequenceGapError struct {
	Exchange       ExchangeID
	Symbol         string
	Expected       int64
	Got            int64
	Pending        int
	ResyncRequired bool
}

func (e *SequenceGapError) Error() string {
	msg := fmt.Sprintf("%s %s sequence gap: expected %d got %d (%d pending)", e.Exchange, e.Symbol, e.Expected, e.Got, e.Pending)
	if e.ResyncRequired {
		msg += ", resync required"
	}
	return msg
}

// AuthBootstrapError reports a failed streaming token request. It is retried
// under the same backoff as transport errors.
type AuthBootstrapError struct {
	Exchange ExchangeID
	Err      error
}

func (e *AuthBootstrapError) Error() string {
	return fmt.Sprintf("%s token bootstrap: %v", e.Exchange, e.Err)
}

func (e *AuthBootstrapError) Unwrap() error { return e.Err }

// ConfigurationError rejects a subscribe call for an unknown exchange or an
// unsupported market type. It never affects other connections.
type ConfigurationError struct {
	Exchange ExchangeID
	Market   MarketType
	Reason   string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Exchange != "" && e.Market != "":
		return fmt.Sprintf("configuration: %s %s: %s", e.Exchange, e.Market, e.Reason)
	case e.Exchange != "":
		return fmt.Sprintf("configuration: %s: %s", e.Exchange, e.Reason)
	default:
		return "configuration: " + e.Reason
	}
}

// IsRecoverable reports whether err belongs to the recoverable part of the
// taxonomy. Configuration errors and unknown errors are not.
func IsRecoverable(err error) bool {
	var (
		te *TransportError
		pe *ProtocolDecodeError
		ge *SequenceGapError
		ae *AuthBootstrapError
	)
	return errors.As(err, &te) || errors.As(err, &pe) || errors.As(err, &ge) || errors.As(err, &ae)
}
