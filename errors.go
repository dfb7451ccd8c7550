package driftsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType is the closed taxonomy used for retry and recovery dispatch.
// Every failure classifies to exactly one value; ErrUnknown is the explicit
// catch-all rather than an escape hatch.
type ErrorType string

const (
	ErrConnectionFailed   ErrorType = "connection-failed"
	ErrConnectionTimeout  ErrorType = "connection-timeout"
	ErrConnectionLost     ErrorType = "connection-lost"
	ErrAuthFailed         ErrorType = "auth-failed"
	ErrAuthExpired        ErrorType = "auth-expired"
	ErrAuthInvalid        ErrorType = "auth-invalid"
	ErrSubscriptionFailed ErrorType = "subscription-failed"
	ErrSchemaMismatch     ErrorType = "schema-mismatch"
	ErrSyncConflict       ErrorType = "sync-conflict"
	ErrSyncTimeout        ErrorType = "sync-timeout"
	ErrRateLimited        ErrorType = "rate-limited"
	ErrStorage            ErrorType = "storage-error"
	ErrReplicationLag     ErrorType = "replication-lag"
	ErrNetworkUnavailable ErrorType = "network-unavailable"
	ErrServer             ErrorType = "server-error"
	ErrServerUnavailable  ErrorType = "server-unavailable"
	ErrClient             ErrorType = "client-error"
	ErrInvalidRequest     ErrorType = "invalid-request"
	ErrUnknown            ErrorType = "unknown"
)

// Severity grades how serious a classified error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SyncError is a classified failure. It is immutable once constructed;
// classification is a pure function of the causing failure plus context.
type SyncError struct {
	Type        ErrorType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Retryable   bool           `json:"retryable"`
	Recoverable bool           `json:"recoverable"`
	Cause       error          `json:"-"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the causing failure.
func (e *SyncError) Unwrap() error { return e.Cause }

// Is matches two SyncErrors by type, so callers can use
// errors.Is(err, &SyncError{Type: ErrRateLimited}).
func (e *SyncError) Is(target error) bool {
	var se *SyncError
	if errors.As(target, &se) {
		return e.Type == se.Type
	}
	return false
}

// MarshalJSON serializes the error including its name, message and the
// rendered cause chain.
func (e *SyncError) MarshalJSON() ([]byte, error) {
	var stack string
	if e.Cause != nil {
		stack = e.Cause.Error()
	}
	return json.Marshal(struct {
		Name        string         `json:"name"`
		Message     string         `json:"message"`
		Type        ErrorType      `json:"type"`
		Severity    Severity       `json:"severity"`
		Context     map[string]any `json:"context,omitempty"`
		Timestamp   time.Time      `json:"timestamp"`
		Retryable   bool           `json:"retryable"`
		Recoverable bool           `json:"recoverable"`
		Stack       string         `json:"stack,omitempty"`
	}{
		Name:        "SyncError",
		Message:     e.Message,
		Type:        e.Type,
		Severity:    e.Severity,
		Context:     e.Context,
		Timestamp:   e.Timestamp,
		Retryable:   e.Retryable,
		Recoverable: e.Recoverable,
		Stack:       stack,
	})
}

// nonRetryable errors are surfaced immediately without consuming a retry
// budget; nonRecoverable errors additionally have no recovery hook path.
var (
	nonRetryable = map[ErrorType]bool{
		ErrAuthInvalid:    true,
		ErrInvalidRequest: true,
		ErrClient:         true,
		ErrSchemaMismatch: true,
	}
	nonRecoverable = map[ErrorType]bool{
		ErrSchemaMismatch: true,
		ErrInvalidRequest: true,
		ErrClient:         true,
	}
	severityByType = map[ErrorType]Severity{
		ErrConnectionFailed:   SeverityMedium,
		ErrConnectionTimeout:  SeverityMedium,
		ErrConnectionLost:     SeverityMedium,
		ErrAuthFailed:         SeverityHigh,
		ErrAuthExpired:        SeverityMedium,
		ErrAuthInvalid:        SeverityCritical,
		ErrSubscriptionFailed: SeverityMedium,
		ErrSchemaMismatch:     SeverityCritical,
		ErrSyncConflict:       SeverityLow,
		ErrSyncTimeout:        SeverityMedium,
		ErrRateLimited:        SeverityLow,
		ErrStorage:            SeverityHigh,
		ErrReplicationLag:     SeverityLow,
		ErrNetworkUnavailable: SeverityMedium,
		ErrServer:             SeverityHigh,
		ErrServerUnavailable:  SeverityHigh,
		ErrClient:             SeverityHigh,
		ErrInvalidRequest:     SeverityHigh,
		ErrUnknown:            SeverityMedium,
	}
)

// Classification keyword tables, checked in order. More specific patterns
// come first so "auth token expired" beats the generic auth bucket.
var classifierRules = []struct {
	errType  ErrorType
	keywords []string
}{
	{ErrRateLimited, []string{"rate limit", "too many requests", "429"}},
	{ErrAuthExpired, []string{"token expired", "jwt expired", "auth expired", "expired token"}},
	{ErrAuthInvalid, []string{"invalid token", "invalid credentials", "forbidden", "401", "403"}},
	{ErrAuthFailed, []string{"auth", "unauthorized", "unauthenticated"}},
	{ErrSubscriptionFailed, []string{"subscription", "subscribe failed", "shape"}},
	{ErrSchemaMismatch, []string{"schema", "column", "migration"}},
	{ErrSyncTimeout, []string{"sync timeout", "sync timed out"}},
	{ErrSyncConflict, []string{"conflict", "diverged"}},
	{ErrConnectionTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrConnectionLost, []string{"connection lost", "connection reset", "broken pipe", "eof"}},
	{ErrConnectionFailed, []string{"connection refused", "connect failed", "dial", "no route"}},
	{ErrNetworkUnavailable, []string{"network", "offline", "dns", "no such host"}},
	{ErrReplicationLag, []string{"replication lag", "replica behind", "lag"}},
	{ErrStorage, []string{"storage", "disk", "database is locked", "sqlite", "i/o error"}},
	{ErrServerUnavailable, []string{"unavailable", "503", "502", "504", "bad gateway"}},
	{ErrServer, []string{"internal server error", "500", "server error"}},
	{ErrInvalidRequest, []string{"invalid request", "bad request", "400", "validation failed"}},
	{ErrClient, []string{"client error", "4xx"}},
}

// Classify maps an arbitrary failure to a SyncError using keyword matching
// over the failure text plus caller-supplied context. An already classified
// error passes through unchanged. A nil error classifies to nil.
func Classify(err error, opCtx map[string]any) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	errType := ErrUnknown
	text := strings.ToLower(err.Error())
	if op, ok := opCtx["operation"].(string); ok {
		text += " " + strings.ToLower(op)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		errType = ErrConnectionTimeout
	case errors.Is(err, context.Canceled):
		errType = ErrClient
	default:
		for _, rule := range classifierRules {
			if containsAny(text, rule.keywords) {
				errType = rule.errType
				break
			}
		}
	}

	return NewSyncError(errType, err.Error(), opCtx, err)
}

// NewSyncError constructs a classified error of a known type. Severity,
// retryability and recoverability are derived from the type; unknown types
// fold into ErrUnknown.
func NewSyncError(errType ErrorType, message string, opCtx map[string]any, cause error) *SyncError {
	sev, ok := severityByType[errType]
	if !ok {
		errType = ErrUnknown
		sev = SeverityMedium
	}
	return &SyncError{
		Type:        errType,
		Severity:    sev,
		Message:     message,
		Context:     opCtx,
		Timestamp:   time.Now().UTC(),
		Retryable:   !nonRetryable[errType],
		Recoverable: !nonRecoverable[errType],
		Cause:       cause,
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
