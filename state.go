package driftsync

import (
	"sync"
	"time"
)

// SyncStatus is the engine-wide synchronization status.
type SyncStatus string

const (
	// SyncStatusIdle means no operation is in flight and nothing is pending.
	SyncStatusIdle SyncStatus = "idle"
	// SyncStatusSyncing means an operation is in flight or the queue is
	// draining.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSuccess means the last operation completed with an empty
	// queue.
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusError means a non-retryable or retry-exhausted failure
	// surfaced.
	SyncStatusError SyncStatus = "error"
	// SyncStatusConflict means a conflict awaits an explicit user choice.
	SyncStatusConflict SyncStatus = "conflict"
	// SyncStatusOffline means the runtime connectivity signal reports
	// offline; it overrides every other status.
	SyncStatusOffline SyncStatus = "offline"
)

// ConnectionStatus mirrors the runtime connectivity signal.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// GlobalSyncState is the single process-wide sync state value. It is
// recomputed from queue depth, the last surfaced error and the connectivity
// flag; consumers observe copies and never mutate it.
type GlobalSyncState struct {
	Status            SyncStatus       `json:"status"`
	Connection        ConnectionStatus `json:"connection"`
	PendingOperations int              `json:"pending_operations"`
	LastSyncAt        time.Time        `json:"last_sync_at,omitempty"`
	Error             *SyncError       `json:"error,omitempty"`
	Offline           bool             `json:"offline"`
}

// StateManager aggregates queue size, connection status and the last error
// into one observable GlobalSyncState.
type StateManager struct {
	mu          sync.Mutex
	state       GlobalSyncState
	inflight    int
	conflicts   int
	subscribers map[int]chan GlobalSyncState
	nextSubID   int
}

// NewStateManager creates a state manager in the idle, connected state.
func NewStateManager() *StateManager {
	return &StateManager{
		state: GlobalSyncState{
			Status:     SyncStatusIdle,
			Connection: ConnectionConnected,
		},
		subscribers: make(map[int]chan GlobalSyncState),
	}
}

// State returns a copy of the current state.
func (sm *StateManager) State() GlobalSyncState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Subscribe registers a state subscriber. Each state change delivers a value
// copy; slow subscribers drop intermediate updates rather than block the
// engine. The returned cancel function releases the channel.
func (sm *StateManager) Subscribe() (<-chan GlobalSyncState, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	id := sm.nextSubID
	sm.nextSubID++
	ch := make(chan GlobalSyncState, 16)
	sm.subscribers[id] = ch

	cancel := func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if sub, ok := sm.subscribers[id]; ok {
			delete(sm.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SetOnline records the connectivity signal flipping to online.
func (sm *StateManager) SetOnline() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.Offline = false
	sm.state.Connection = ConnectionConnected
	sm.recomputeLocked()
}

// SetOffline records the connectivity signal flipping to offline.
func (sm *StateManager) SetOffline() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.Offline = true
	sm.state.Connection = ConnectionDisconnected
	sm.recomputeLocked()
}

// OperationStarted records an operation entering flight.
func (sm *StateManager) OperationStarted() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.inflight++
	sm.recomputeLocked()
}

// OperationSucceeded records an operation completing. The last error is
// cleared and LastSyncAt advances.
func (sm *StateManager) OperationSucceeded() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.inflight > 0 {
		sm.inflight--
	}
	sm.state.Error = nil
	sm.state.LastSyncAt = time.Now().UTC()
	sm.recomputeLocked()
}

// OperationFailed records a surfaced failure: non-retryable or
// retry-exhausted.
func (sm *StateManager) OperationFailed(se *SyncError) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.inflight > 0 {
		sm.inflight--
	}
	sm.state.Error = se
	sm.recomputeLocked()
}

// SetPending records a change in the queue's pending count.
func (sm *StateManager) SetPending(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.PendingOperations = n
	sm.recomputeLocked()
}

// ConflictPending records an unresolved conflict awaiting a user choice.
func (sm *StateManager) ConflictPending() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.conflicts++
	sm.recomputeLocked()
}

// ConflictSettled records an unresolved conflict being explicitly resolved.
func (sm *StateManager) ConflictSettled() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.conflicts > 0 {
		sm.conflicts--
	}
	sm.recomputeLocked()
}

// recomputeLocked derives Status from the inputs and publishes the new
// state. Offline short-circuits everything else.
func (sm *StateManager) recomputeLocked() {
	switch {
	case sm.state.Offline:
		sm.state.Status = SyncStatusOffline
	case sm.state.Error != nil:
		sm.state.Status = SyncStatusError
	case sm.conflicts > 0:
		sm.state.Status = SyncStatusConflict
	case sm.inflight > 0 || sm.state.PendingOperations > 0:
		sm.state.Status = SyncStatusSyncing
	case !sm.state.LastSyncAt.IsZero():
		sm.state.Status = SyncStatusSuccess
	default:
		sm.state.Status = SyncStatusIdle
	}

	for _, ch := range sm.subscribers {
		select {
		case ch <- sm.state:
		default:
		}
	}
}
