package driftsync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry attempt. Implementations carry
// exactly the data their schedule needs. Attempt numbering starts at 1 for
// the initial call, so the first delay a retryer asks for is Delay(2).
type Backoff interface {
	// Delay returns the pause before the given attempt.
	Delay(attempt int) time.Duration

	// Name returns the schedule name for metrics and audit output.
	Name() string
}

// LinearBackoff waits a constant interval between attempts.
type LinearBackoff struct {
	Interval time.Duration
}

// Delay implements Backoff.
func (b LinearBackoff) Delay(attempt int) time.Duration { return b.Interval }

// Name implements Backoff.
func (b LinearBackoff) Name() string { return "linear" }

// ExponentialBackoff multiplies the delay after each attempt, bounded by Max.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay implements Backoff.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return b.Initial
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := float64(b.Initial) * math.Pow(multiplier, float64(attempt-2))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Name implements Backoff.
func (b ExponentialBackoff) Name() string { return "exponential" }

// FibonacciBackoff scales the delay by the Fibonacci sequence, bounded by Max.
type FibonacciBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements Backoff.
func (b FibonacciBackoff) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return b.Initial
	}
	f := fibonacci(attempt - 1)
	if b.Initial > 0 && f > int64(math.MaxInt64)/int64(b.Initial) {
		// Multiplication would overflow; the schedule is past any sane cap.
		if b.Max > 0 {
			return b.Max
		}
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(f) * b.Initial
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Name implements Backoff.
func (b FibonacciBackoff) Name() string { return "fibonacci" }

// CustomBackoff delegates the schedule to a caller-supplied function.
type CustomBackoff struct {
	Fn func(attempt int) time.Duration
}

// Delay implements Backoff.
func (b CustomBackoff) Delay(attempt int) time.Duration {
	if b.Fn == nil {
		return 0
	}
	return b.Fn(attempt)
}

// Name implements Backoff.
func (b CustomBackoff) Name() string { return "custom" }

func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		if a > math.MaxInt64-b {
			return math.MaxInt64
		}
		a, b = b, a+b
	}
	return b
}

// RetryConfig configures retry behavior for one error type.
type RetryConfig struct {
	// Backoff is the delay schedule between attempts.
	Backoff Backoff

	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int

	// Jitter applies ±10% uniform jitter to computed delays.
	Jitter bool
}

// DefaultRetryConfig returns the generic fallback configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Backoff:     ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0},
		MaxAttempts: 3,
		Jitter:      true,
	}
}

// DefaultRetryConfigs returns the per-error-type retry table. Types absent
// from the table use DefaultRetryConfig.
func DefaultRetryConfigs() map[ErrorType]RetryConfig {
	return map[ErrorType]RetryConfig{
		ErrConnectionTimeout:  {Backoff: LinearBackoff{Interval: time.Second}, MaxAttempts: 3, Jitter: true},
		ErrConnectionFailed:   {Backoff: ExponentialBackoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2.0}, MaxAttempts: 5, Jitter: true},
		ErrConnectionLost:     {Backoff: ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0}, MaxAttempts: 5, Jitter: true},
		ErrNetworkUnavailable: {Backoff: FibonacciBackoff{Initial: time.Second, Max: 30 * time.Second}, MaxAttempts: 5, Jitter: true},
		ErrRateLimited:        {Backoff: ExponentialBackoff{Initial: 2 * time.Second, Max: time.Minute, Multiplier: 2.0}, MaxAttempts: 4, Jitter: true},
		ErrServerUnavailable:  {Backoff: ExponentialBackoff{Initial: 2 * time.Second, Max: time.Minute, Multiplier: 2.0}, MaxAttempts: 4, Jitter: true},
		ErrServer:             {Backoff: ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0}, MaxAttempts: 3, Jitter: true},
		ErrSyncTimeout:        {Backoff: LinearBackoff{Interval: 2 * time.Second}, MaxAttempts: 3, Jitter: true},
		ErrReplicationLag:     {Backoff: FibonacciBackoff{Initial: 500 * time.Millisecond, Max: 15 * time.Second}, MaxAttempts: 4, Jitter: true},
		ErrStorage:            {Backoff: LinearBackoff{Interval: 500 * time.Millisecond}, MaxAttempts: 3, Jitter: true},
		ErrSubscriptionFailed: {Backoff: ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0}, MaxAttempts: 3, Jitter: true},
		ErrAuthExpired:        {Backoff: LinearBackoff{Interval: time.Second}, MaxAttempts: 2, Jitter: false},
	}
}

// Retryer executes operations with classification-aware retries. It holds a
// per-error-type configuration table with a generic fallback; the table is
// fixed at construction.
type Retryer struct {
	configs  map[ErrorType]RetryConfig
	fallback RetryConfig
}

// NewRetryer creates a retryer. A nil table installs DefaultRetryConfigs.
func NewRetryer(configs map[ErrorType]RetryConfig) *Retryer {
	if configs == nil {
		configs = DefaultRetryConfigs()
	}
	return &Retryer{configs: configs, fallback: DefaultRetryConfig()}
}

// Config returns the retry configuration used for an error type.
func (r *Retryer) Config(t ErrorType) RetryConfig {
	if cfg, ok := r.configs[t]; ok {
		return normalizeRetryConfig(cfg)
	}
	return normalizeRetryConfig(r.fallback)
}

// Do executes op, retrying per the configuration of the first classified
// failure. A non-retryable classification aborts immediately without
// consuming the retry budget; exhausting attempts re-raises the last
// classified error. Cancellation is honored between attempts, never inside
// one.
func (r *Retryer) Do(ctx context.Context, opCtx map[string]any, op func(context.Context) error) error {
	return r.DoWithConfig(ctx, nil, opCtx, op)
}

// DoWithConfig is Do with a per-call configuration override. A nil override
// uses the table entry for the classified error type.
func (r *Retryer) DoWithConfig(ctx context.Context, override *RetryConfig, opCtx map[string]any, op func(context.Context) error) error {
	var cfg RetryConfig
	var haveCfg bool
	if override != nil {
		cfg = normalizeRetryConfig(*override)
		haveCfg = true
	}

	var lastErr *SyncError
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = Classify(err, opCtx)
		if !lastErr.Retryable {
			return lastErr
		}
		if !haveCfg {
			// The config is pinned to the first classified type so the
			// schedule stays stable across re-classified failures.
			cfg = r.Config(lastErr.Type)
			haveCfg = true
		}
		if attempt >= cfg.MaxAttempts {
			return lastErr
		}

		delay := cfg.Backoff.Delay(attempt + 1)
		if cfg.Jitter {
			delay = addJitter(delay)
		}
		select {
		case <-ctx.Done():
			return Classify(ctx.Err(), opCtx)
		case <-time.After(delay):
		}
	}
}

// addJitter applies ±10% uniform jitter.
func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * 0.1 * float64(d)
	return time.Duration(float64(d) + jitter)
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0}
	}
	return cfg
}
