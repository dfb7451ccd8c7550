package driftsync

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != BreakerClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker still %s after reaching threshold", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker must reject calls")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	if cb.Failures() != 0 {
		t.Errorf("failures = %d after success, want 0", cb.Failures())
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Error("non-consecutive failures must not open the breaker")
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}
	if cb.Allow() {
		t.Fatal("call allowed before cooldown elapsed")
	}

	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("trial call should be allowed after cooldown")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	// Trial success closes the circuit.
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Errorf("state = %s after trial success, want closed", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 5, Cooldown: 10 * time.Millisecond})

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("trial call should be allowed after cooldown")
	}

	// One failure re-opens immediately, regardless of the threshold.
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Errorf("state = %s after trial failure, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("re-opened breaker must reject calls")
	}
}

func TestBreakerRejectionError(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig())
	se := cb.RejectionError(map[string]any{"operation": "push"})

	if se.Type != ErrServerUnavailable {
		t.Errorf("type = %s, want %s", se.Type, ErrServerUnavailable)
	}
	if se.Retryable {
		t.Error("rejection must not be retryable")
	}
	if se.Recoverable {
		t.Error("rejection must not be recoverable")
	}
}
