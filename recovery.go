package driftsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RecoveryHook attempts to repair the condition behind a classified error
// before the standard retry/queue path runs: refreshing a token, re-creating
// a subscription, re-establishing a connection.
type RecoveryHook func(ctx context.Context) error

// RecoveryConfig configures automatic recovery.
type RecoveryConfig struct {
	// MaxAttempts caps recovery attempts per error type between successes,
	// so a broken hook cannot loop indefinitely. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultRecoveryConfig returns the default recovery configuration.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{MaxAttempts: 3}
}

// RecoveryManager dispatches recovery hooks by error type. Hooks are only
// consulted for errors marked recoverable.
type RecoveryManager struct {
	mu       sync.Mutex
	config   RecoveryConfig
	hooks    map[ErrorType]RecoveryHook
	attempts map[ErrorType]int
}

// NewRecoveryManager creates a recovery manager with no hooks registered.
func NewRecoveryManager(config RecoveryConfig) *RecoveryManager {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &RecoveryManager{
		config:   config,
		hooks:    make(map[ErrorType]RecoveryHook),
		attempts: make(map[ErrorType]int),
	}
}

// RegisterHook installs (or replaces) the hook for an error type.
func (rm *RecoveryManager) RegisterHook(t ErrorType, hook RecoveryHook) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.hooks[t] = hook
}

// TryRecover runs the hook registered for the error's type, if any.
// attempted reports whether a hook ran; err is the hook's outcome. The
// per-type attempt counter resets on success and caps further attempts at
// the configured maximum once exhausted.
func (rm *RecoveryManager) TryRecover(ctx context.Context, se *SyncError) (attempted bool, err error) {
	if se == nil || !se.Recoverable {
		return false, nil
	}

	rm.mu.Lock()
	hook, ok := rm.hooks[se.Type]
	if !ok {
		rm.mu.Unlock()
		return false, nil
	}
	if rm.attempts[se.Type] >= rm.config.MaxAttempts {
		rm.mu.Unlock()
		return false, fmt.Errorf("recovery for %s exhausted after %d attempts", se.Type, rm.config.MaxAttempts)
	}
	rm.attempts[se.Type]++
	rm.mu.Unlock()

	if err := hook(ctx); err != nil {
		return true, err
	}

	rm.mu.Lock()
	rm.attempts[se.Type] = 0
	rm.mu.Unlock()
	return true, nil
}

// NewTokenRefreshHook returns a hook for ErrAuthExpired. current supplies the
// token in use and refresh obtains a new one from the external auth provider.
// The token's exp claim is inspected (unverified; verification belongs to the
// server) and a refresh is skipped while the token is still valid, which
// keeps a misclassified failure from burning a refresh.
func NewTokenRefreshHook(current func() string, refresh func(ctx context.Context) error) RecoveryHook {
	return func(ctx context.Context) error {
		if token := current(); token != "" {
			claims := jwt.RegisteredClaims{}
			if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
				if claims.ExpiresAt != nil && claims.ExpiresAt.After(time.Now().Add(30*time.Second)) {
					return nil
				}
			}
		}
		return refresh(ctx)
	}
}

// NewReconnectHook returns a hook for ErrConnectionLost wrapping the given
// reconnect function.
func NewReconnectHook(reconnect func(ctx context.Context) error) RecoveryHook {
	return func(ctx context.Context) error { return reconnect(ctx) }
}

// NewResubscribeHook returns a hook for ErrSubscriptionFailed wrapping the
// given resubscribe function.
func NewResubscribeHook(resubscribe func(ctx context.Context) error) RecoveryHook {
	return func(ctx context.Context) error { return resubscribe(ctx) }
}
