package gate

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the breaker state
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// circuitBreaker isolates a failing upstream. Transitions:
// closed → open when consecutive failures reach the threshold,
// open → half_open after resetAfter elapses (one probe allowed),
// half_open → closed on probe success, half_open → open on probe failure.
type circuitBreaker struct {
	mu                  sync.Mutex
	name                string
	state               CircuitState
	consecutiveFailures int
	threshold           int
	openedAt            time.Time
	resetAfter          time.Duration
	probeInFlight       bool
}

func newCircuitBreaker(name string, threshold int, resetAfter time.Duration) *circuitBreaker {
	return &circuitBreaker{
		name:       name,
		state:      CircuitClosed,
		threshold:  threshold,
		resetAfter: resetAfter,
	}
}

// Allow reports whether a request may reach the upstream right now. probe is
// true when the admitted request holds the half_open probe slot; such a caller
// must resolve the probe through RecordSuccess, RecordFailure, RecordNeutral
// or AbortProbe. In half_open state exactly one probe is permitted at a time.
func (cb *circuitBreaker) Allow(now time.Time) (allowed, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if now.Sub(cb.openedAt) >= cb.resetAfter {
			cb.state = CircuitHalfOpen
			cb.probeInFlight = true
			slog.Info("Circuit breaker half-open, probing upstream", "upstream", cb.name)
			return true, true
		}
		return false, false
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false, false
		}
		cb.probeInFlight = true
		return true, true
	default:
		return false, false
	}
}

// AbortProbe releases the probe slot when an admitted probe never reached the
// upstream (acquire timeout, queue overflow, caller cancellation). The circuit
// stays half_open so the next request may probe; the outcome says nothing
// about upstream health.
func (cb *circuitBreaker) AbortProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitClosed {
		slog.Info("Circuit breaker closed", "upstream", cb.name)
	}
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
}

// RecordFailure counts a circuit-relevant failure and opens the circuit when
// the threshold is reached. A failed half_open probe reopens immediately.
func (cb *circuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.probeInFlight = false

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = now
		slog.Warn("Circuit breaker reopened after failed probe", "upstream", cb.name)
		return
	}

	if cb.state == CircuitClosed && cb.consecutiveFailures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = now
		slog.Warn("Circuit breaker opened",
			"upstream", cb.name,
			"consecutive_failures", cb.consecutiveFailures,
			"reset_after", cb.resetAfter.String())
	}
}

// RecordNeutral handles outcomes that do not count against the circuit
// (client errors other than 429). The upstream answered, so a half_open
// probe closes the circuit; in closed state the failure count is untouched.
func (cb *circuitBreaker) RecordNeutral() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.consecutiveFailures = 0
		slog.Info("Circuit breaker closed", "upstream", cb.name)
	}
}

// State returns the current state without side effects.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *circuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}
