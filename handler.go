package driftsync

import (
	"context"
)

// ErrorHandler is the front door for executing fallible operations. It
// composes classification, auto-recovery, retries and the circuit breaker,
// and accumulates metrics. Construct one per backend dependency and pass it
// by reference; there is no package-level handler.
type ErrorHandler struct {
	retryer  *Retryer
	breaker  *CircuitBreaker
	recovery *RecoveryManager
	metrics  *errorMetrics
}

// NewErrorHandler creates an error handler. A nil retry table installs the
// defaults.
func NewErrorHandler(retryConfigs map[ErrorType]RetryConfig, breaker BreakerConfig, recovery RecoveryConfig) *ErrorHandler {
	return &ErrorHandler{
		retryer:  NewRetryer(retryConfigs),
		breaker:  NewCircuitBreaker(breaker),
		recovery: NewRecoveryManager(recovery),
		metrics:  newErrorMetrics(),
	}
}

// RegisterRecoveryHook installs a recovery hook for an error type.
func (h *ErrorHandler) RegisterRecoveryHook(t ErrorType, hook RecoveryHook) {
	h.recovery.RegisterHook(t, hook)
}

// Execute runs op through the circuit breaker and the retry engine. Failures
// are classified; recoverable ones get a recovery attempt before the next
// retry; non-retryable ones surface immediately. The returned error, if any,
// is always a *SyncError.
func (h *ErrorHandler) Execute(ctx context.Context, opCtx map[string]any, op func(context.Context) error) error {
	return h.ExecuteWithConfig(ctx, nil, opCtx, op)
}

// ExecuteWithConfig is Execute with a per-call retry configuration override.
func (h *ErrorHandler) ExecuteWithConfig(ctx context.Context, override *RetryConfig, opCtx map[string]any, op func(context.Context) error) error {
	if !h.breaker.Allow() {
		rejection := h.breaker.RejectionError(opCtx)
		h.metrics.recordError(rejection)
		return rejection
	}

	wrapped := func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		se := Classify(err, opCtx)
		h.metrics.recordError(se)
		if attempted, recErr := h.recovery.TryRecover(ctx, se); attempted {
			h.metrics.recordRecovery(recErr == nil)
		}
		return se
	}

	if err := h.retryer.DoWithConfig(ctx, override, opCtx, wrapped); err != nil {
		h.breaker.RecordFailure()
		return err
	}

	h.breaker.RecordSuccess()
	h.metrics.recordSuccess()
	return nil
}

// Classify exposes the handler's classifier for failures observed outside
// Execute (e.g. collaborator callbacks).
func (h *ErrorHandler) Classify(err error, opCtx map[string]any) *SyncError {
	return Classify(err, opCtx)
}

// Metrics returns a snapshot of error handling activity.
func (h *ErrorHandler) Metrics() MetricsSnapshot {
	snap := h.metrics.snapshot()
	snap.CircuitBreakerState = h.breaker.State()
	snap.FailureCount = h.breaker.Failures()
	return snap
}

// BreakerState returns the current circuit breaker state.
func (h *ErrorHandler) BreakerState() BreakerState {
	return h.breaker.State()
}
