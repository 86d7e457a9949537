// Package circuitbreaker sheds calls to an optional downstream while it
// keeps failing. Consecutive failures past the threshold open the
// circuit; once the cooldown elapses a single probe goes through, and
// its outcome decides whether the circuit closes or re-opens.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker tracks the health of one downstream dependency.
// The zero state is closed.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time

	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures
// and admits a probe once cooldown has elapsed.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow reports whether a call may proceed. On an open circuit whose
// cooldown has elapsed it admits exactly one probe; everything else is
// shed until the probe reports back.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.clock().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = stateClosed
	cb.failures = 0
}

// RecordFailure counts one failure. At the threshold the circuit opens;
// a failed half-open probe keeps the count past the threshold, so it
// re-opens for another full cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = stateOpen
		cb.openedAt = cb.clock()
	}
}
