package scheduler

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation.
	CircuitHalfOpen                     // Testing recovery.
	CircuitOpen                         // Rejecting new OS schedule attempts.
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the Platform Notifier (C3) from being
// hammered during a resync storm: once failures spike within a
// sweep, it opens and callers fall back to the retry queue instead of
// busy-looping failed OS.schedule calls.
type CircuitBreaker struct {
	mu    sync.Mutex
	state CircuitState

	failureThreshold int           // consecutive failures before opening
	cooldownPeriod   time.Duration // time before half-open
	testLimit        int           // successful test calls needed to close

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
}

// NewCircuitBreaker creates a circuit breaker that opens after
// failureThreshold consecutive OS.schedule failures.
func NewCircuitBreaker(failureThreshold int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   30 * time.Second,
		testLimit:        3,
	}
}

// Allow reports whether a new OS.schedule attempt should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return cb.testCount < cb.testLimit
	default:
		return true
	}
}

// RecordSuccess notifies the breaker of a successful OS.schedule call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.testCount++
		if cb.testCount >= cb.testLimit {
			cb.state = CircuitClosed
		}
	}
}

// RecordFailure notifies the breaker of a failed OS.schedule call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
