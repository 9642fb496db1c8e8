package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectPolicy yields base * 2^n delays capped at max, for at most
// attempts retries. It is reset once a session reaches Connected.
type reconnectPolicy struct {
	b       backoff.BackOff
	attempt int
}

func newReconnectPolicy(base, max time.Duration, attempts int) *reconnectPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &reconnectPolicy{b: backoff.WithMaxRetries(exp, uint64(attempts))}
}

// Next returns the delay before the next attempt, or false once the
// attempts are used up.
func (p *reconnectPolicy) Next() (time.Duration, bool) {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	p.attempt++
	return d, true
}

// Attempt is the number of delays handed out since the last reset.
func (p *reconnectPolicy) Attempt() int {
	return p.attempt
}

func (p *reconnectPolicy) Reset() {
	p.b.Reset()
	p.attempt = 0
}
