package assistant

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed admits requests and counts consecutive failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the timeout passes.
	CircuitOpen
	// CircuitHalfOpen admits probe requests and counts successes.
	CircuitHalfOpen
)

// String returns the state name for log output.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before admitting a
	// probe.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns the production defaults. Model
// provider outages observed so far clear within tens of seconds, so
// the probe window is kept short.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker sheds load from a model provider that keeps failing,
// so a hard outage degrades into fast errors instead of queued
// timeouts.
//
// CircuitBreaker is safe for concurrent use by multiple goroutines.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a breaker, filling zero config fields from
// DefaultCircuitBreakerConfig.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
	}
}

// Allow reports whether a request may proceed. An open breaker whose
// timeout has elapsed moves to half-open and admits the probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return nil
}

// Success records a successful request.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	case CircuitOpen:
		// In-flight request from before the trip; the probe window
		// decides recovery, not stragglers.
	}
}

// Failure records a failed request. A half-open breaker reopens
// immediately.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.successes = 0
	case CircuitOpen:
		// Already open; stragglers do not extend the window.
	}
}

// State returns the current position without advancing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset force-closes the breaker and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
}
