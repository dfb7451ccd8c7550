// Package driftsync provides a local-first synchronization engine for chat
// data: conflict detection and resolution, error classification with typed
// retry policies, a circuit breaker, recovery hooks, a durable offline queue
// and a single observable sync state.
//
// Driftsync owns no transport. Callers hand it entity versions to reconcile
// and an applier to drain queued operations through; everything between —
// field-level diffing, merge rules, retry schedules, breaker trips, queue
// persistence — is the engine's concern.
//
// # Basic Usage
//
// Create an engine with default configuration:
//
//	engine, err := driftsync.New(driftsync.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
// Reconcile two versions of an entity:
//
//	result, err := engine.Reconcile(localChat, remoteChat, baseChat, nil)
//
// Queue an operation while offline and drain later:
//
//	item, err := engine.Submit(driftsync.QueueItem{
//	    Operation:  "update",
//	    EntityKind: "chat",
//	    EntityID:   chat.ID,
//	    Priority:   driftsync.PriorityNormal,
//	})
//	report, err := engine.ProcessQueue(ctx, applier)
//
// # Features
//
// Conflict handling:
//   - Three-way field-level detection with per-kind merge rules
//   - Local-wins, remote-wins, last-write-wins, field-merge and manual
//     strategies
//   - Free-text fields always escalate to an explicit user choice
//
// Error handling:
//   - Closed error taxonomy with keyword classification
//   - Per-error-type retry schedules (linear, exponential, fibonacci)
//   - Circuit breaker and capped recovery hooks (token refresh, reconnect)
//
// Offline operation:
//   - Priority-banded FIFO queue over memory, bbolt or SQLite stores
//   - Compressed, optionally encrypted queue snapshots to file or S3
//   - Websocket liveness probe driving the global sync state
package driftsync
