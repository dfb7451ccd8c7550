package driftsync

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls immediately until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single trial call decide the next state.
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the circuit stays open before a trial call is
	// allowed. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig returns a breaker configuration with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker guards a failing dependency. It is safe for concurrent use.
//
// The breaker starts closed. Reaching the failure threshold while closed
// opens it; while open, calls are rejected with a server-unavailable,
// non-retryable, non-recoverable error without invoking the operation. After
// the cooldown the next call runs half-open: success closes the breaker and
// resets the count, failure re-opens it and restarts the cooldown clock.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a circuit breaker. Zero config fields take
// defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{config: config, state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning open→half-open
// when the cooldown has elapsed. Rejected calls receive the error from
// RejectionError.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) >= cb.config.Cooldown {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = BreakerClosed
}

// RecordFailure reports a failed call. A failure while half-open re-opens
// the circuit immediately and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == BreakerHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = BreakerOpen
	}
}

// RejectionError returns the classified error handed to callers while the
// circuit is open.
func (cb *CircuitBreaker) RejectionError(opCtx map[string]any) *SyncError {
	err := NewSyncError(ErrServerUnavailable, "circuit breaker is open", opCtx, nil)
	err.Retryable = false
	err.Recoverable = false
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
