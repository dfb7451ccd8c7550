package driftsync

import (
	"testing"
)

func TestStateStartsIdleConnected(t *testing.T) {
	sm := NewStateManager()
	st := sm.State()
	if st.Status != SyncStatusIdle || st.Connection != ConnectionConnected || st.Offline {
		t.Errorf("initial state = %+v", st)
	}
}

func TestStateOperationLifecycle(t *testing.T) {
	sm := NewStateManager()

	sm.OperationStarted()
	if got := sm.State().Status; got != SyncStatusSyncing {
		t.Errorf("status = %s during operation, want syncing", got)
	}

	sm.OperationSucceeded()
	st := sm.State()
	if st.Status != SyncStatusSuccess {
		t.Errorf("status = %s after success, want success", st.Status)
	}
	if st.LastSyncAt.IsZero() {
		t.Error("success must advance LastSyncAt")
	}
	if st.Error != nil {
		t.Error("success must clear the error")
	}
}

func TestStateErrorSurfacesAndClears(t *testing.T) {
	sm := NewStateManager()

	sm.OperationStarted()
	sm.OperationFailed(NewSyncError(ErrServer, "boom", nil, nil))
	st := sm.State()
	if st.Status != SyncStatusError || st.Error == nil {
		t.Errorf("state = %+v", st)
	}

	// The next success clears the sticky error.
	sm.OperationStarted()
	sm.OperationSucceeded()
	st = sm.State()
	if st.Status != SyncStatusSuccess || st.Error != nil {
		t.Errorf("state after recovery = %+v", st)
	}
}

func TestStateOfflineOverridesEverything(t *testing.T) {
	sm := NewStateManager()
	sm.OperationStarted()
	sm.OperationFailed(NewSyncError(ErrServer, "boom", nil, nil))
	sm.SetPending(3)

	sm.SetOffline()
	st := sm.State()
	if st.Status != SyncStatusOffline {
		t.Errorf("status = %s while offline", st.Status)
	}
	if st.Connection != ConnectionDisconnected || !st.Offline {
		t.Errorf("connection view = %+v", st)
	}

	// Back online: the underlying error becomes visible again.
	sm.SetOnline()
	st = sm.State()
	if st.Status != SyncStatusError {
		t.Errorf("status = %s after reconnect, want error", st.Status)
	}
}

func TestStateConflictPending(t *testing.T) {
	sm := NewStateManager()
	sm.ConflictPending()
	if got := sm.State().Status; got != SyncStatusConflict {
		t.Errorf("status = %s, want conflict", got)
	}

	// Pending work does not mask an open conflict.
	sm.SetPending(2)
	if got := sm.State().Status; got != SyncStatusConflict {
		t.Errorf("status = %s with pending work, want conflict", got)
	}

	sm.ConflictSettled()
	if got := sm.State().Status; got != SyncStatusSyncing {
		t.Errorf("status = %s after settle, want syncing", got)
	}
}

func TestStatePendingDrivesSyncing(t *testing.T) {
	sm := NewStateManager()
	sm.SetPending(4)
	st := sm.State()
	if st.Status != SyncStatusSyncing || st.PendingOperations != 4 {
		t.Errorf("state = %+v", st)
	}
	sm.SetPending(0)
	if got := sm.State().Status; got != SyncStatusIdle {
		t.Errorf("status = %s with empty queue and no history, want idle", got)
	}
}

func TestStateSubscribersGetCopies(t *testing.T) {
	sm := NewStateManager()
	ch, cancel := sm.Subscribe()
	defer cancel()

	sm.SetPending(1)
	st := <-ch
	if st.PendingOperations != 1 || st.Status != SyncStatusSyncing {
		t.Errorf("published state = %+v", st)
	}

	// Mutating the received copy must not leak back.
	st.PendingOperations = 99
	if sm.State().PendingOperations != 1 {
		t.Error("subscriber mutated shared state")
	}
}

func TestStateSubscribeCancelIsIdempotent(t *testing.T) {
	sm := NewStateManager()
	ch, cancel := sm.Subscribe()
	cancel()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	sm.SetPending(1)
	if _, ok := <-ch; ok {
		t.Error("closed subscription still delivering")
	}
}
