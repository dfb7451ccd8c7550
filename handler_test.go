package driftsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testHandler(threshold int) *ErrorHandler {
	return NewErrorHandler(
		map[ErrorType]RetryConfig{
			ErrConnectionTimeout: {Backoff: LinearBackoff{Interval: time.Millisecond}, MaxAttempts: 2},
			ErrAuthExpired:       {Backoff: LinearBackoff{Interval: time.Millisecond}, MaxAttempts: 2},
		},
		BreakerConfig{FailureThreshold: threshold, Cooldown: time.Minute},
		DefaultRecoveryConfig(),
	)
}

func TestHandlerExecuteSuccess(t *testing.T) {
	h := testHandler(5)
	err := h.Execute(context.Background(), nil, func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	m := h.Metrics()
	if m.SuccessCount != 1 || m.TotalErrors != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestHandlerClassifiesAndRetries(t *testing.T) {
	h := testHandler(5)
	calls := 0
	err := h.Execute(context.Background(), nil, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want retry then success", calls)
	}
	m := h.Metrics()
	if m.ErrorsByType[ErrConnectionTimeout] != 1 {
		t.Errorf("errors by type = %v", m.ErrorsByType)
	}
	if h.BreakerState() != BreakerClosed {
		t.Error("a recovered call must not trip the breaker")
	}
}

func TestHandlerBreakerOpensAfterThreshold(t *testing.T) {
	h := testHandler(5)
	boom := func(context.Context) error { return errors.New("invalid request") }

	// Five surfaced failures reach the threshold.
	for i := 0; i < 5; i++ {
		if err := h.Execute(context.Background(), nil, boom); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i+1)
		}
	}
	if got := h.BreakerState(); got != BreakerOpen {
		t.Fatalf("breaker = %s after threshold, want open", got)
	}

	// The sixth call is rejected without invoking the operation.
	invoked := false
	err := h.Execute(context.Background(), nil, func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("operation ran while the breaker was open")
	}
	var se *SyncError
	if !errors.As(err, &se) || se.Type != ErrServerUnavailable {
		t.Errorf("rejection = %v, want server-unavailable", err)
	}
	if se.Retryable || se.Recoverable {
		t.Error("rejection must be neither retryable nor recoverable")
	}
}

func TestHandlerRunsRecoveryHook(t *testing.T) {
	h := testHandler(5)
	recovered := 0
	h.RegisterRecoveryHook(ErrAuthExpired, func(context.Context) error {
		recovered++
		return nil
	})

	calls := 0
	err := h.Execute(context.Background(), nil, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("jwt expired")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Errorf("recovery hook ran %d times, want 1", recovered)
	}
	m := h.Metrics()
	if m.RecoveryAttempts != 1 || m.SuccessfulRecoveries != 1 {
		t.Errorf("recovery metrics = %+v", m)
	}
}

func TestHandlerMetricsSnapshot(t *testing.T) {
	h := testHandler(2)
	boom := func(context.Context) error { return errors.New("schema drift detected") }

	h.Execute(context.Background(), nil, boom)
	h.Execute(context.Background(), nil, boom)

	m := h.Metrics()
	if m.TotalErrors != 2 {
		t.Errorf("total errors = %d", m.TotalErrors)
	}
	if m.ErrorsBySeverity[SeverityCritical] != 2 {
		t.Errorf("severity counts = %v", m.ErrorsBySeverity)
	}
	if m.CircuitBreakerState != BreakerOpen || m.FailureCount != 2 {
		t.Errorf("breaker view = %s/%d", m.CircuitBreakerState, m.FailureCount)
	}
}
