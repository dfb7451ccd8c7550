package driftsync

import "sync"

// MetricsSnapshot is a point-in-time view of error handling activity.
type MetricsSnapshot struct {
	TotalErrors          int64               `json:"total_errors"`
	ErrorsByType         map[ErrorType]int64 `json:"errors_by_type"`
	ErrorsBySeverity     map[Severity]int64  `json:"errors_by_severity"`
	RecoveryAttempts     int64               `json:"recovery_attempts"`
	SuccessfulRecoveries int64               `json:"successful_recoveries"`
	CircuitBreakerState  BreakerState        `json:"circuit_breaker_state"`
	FailureCount         int                 `json:"failure_count"`
	SuccessCount         int64               `json:"success_count"`
}

// errorMetrics accumulates counters for MetricsSnapshot. Safe for concurrent
// use.
type errorMetrics struct {
	mu               sync.Mutex
	totalErrors      int64
	errorsByType     map[ErrorType]int64
	errorsBySeverity map[Severity]int64
	recoveryAttempts int64
	recoverySuccess  int64
	successCount     int64
}

func newErrorMetrics() *errorMetrics {
	return &errorMetrics{
		errorsByType:     make(map[ErrorType]int64),
		errorsBySeverity: make(map[Severity]int64),
	}
}

func (m *errorMetrics) recordError(se *SyncError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalErrors++
	m.errorsByType[se.Type]++
	m.errorsBySeverity[se.Severity]++
}

func (m *errorMetrics) recordRecovery(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryAttempts++
	if success {
		m.recoverySuccess++
	}
}

func (m *errorMetrics) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successCount++
}

// snapshot copies the counters; breaker state is filled in by the caller.
func (m *errorMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[ErrorType]int64, len(m.errorsByType))
	for k, v := range m.errorsByType {
		byType[k] = v
	}
	bySeverity := make(map[Severity]int64, len(m.errorsBySeverity))
	for k, v := range m.errorsBySeverity {
		bySeverity[k] = v
	}

	return MetricsSnapshot{
		TotalErrors:          m.totalErrors,
		ErrorsByType:         byType,
		ErrorsBySeverity:     bySeverity,
		RecoveryAttempts:     m.recoveryAttempts,
		SuccessfulRecoveries: m.recoverySuccess,
		SuccessCount:         m.successCount,
	}
}
