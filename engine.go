package driftsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Applier performs the remote side of one queued operation. Transport is the
// caller's concern; the engine only decides when to call it, how to retry it
// and what to do with the outcome.
type Applier func(ctx context.Context, item QueueItem) error

// EngineOption customizes engine construction beyond what Config expresses.
type EngineOption func(*engineOptions)

type engineOptions struct {
	registry      *Registry
	queueStore    QueueStore
	snapshotStore SnapshotStore
	probe         Probe
	retryConfigs  map[ErrorType]RetryConfig
}

// WithRegistry replaces the default entity registry.
func WithRegistry(r *Registry) EngineOption {
	return func(o *engineOptions) { o.registry = r }
}

// WithQueueStore overrides the queue store selected by Config.
func WithQueueStore(s QueueStore) EngineOption {
	return func(o *engineOptions) { o.queueStore = s }
}

// WithSnapshotStore overrides the snapshot store selected by Config.
func WithSnapshotStore(s SnapshotStore) EngineOption {
	return func(o *engineOptions) { o.snapshotStore = s }
}

// WithProbe overrides the connectivity probe selected by Config.
func WithProbe(p Probe) EngineOption {
	return func(o *engineOptions) { o.probe = p }
}

// WithRetryConfigs replaces the default per-error-type retry table.
func WithRetryConfigs(configs map[ErrorType]RetryConfig) EngineOption {
	return func(o *engineOptions) { o.retryConfigs = configs }
}

// Engine ties detection, resolution, error handling, the offline queue and
// the sync state together behind one API.
type Engine struct {
	config   Config
	registry *Registry
	detector *Detector
	resolver *Resolver
	handler  *ErrorHandler
	queue    *OfflineQueue
	states   *StateManager
	monitor  *Monitor
	codec    *snapshotCodec
	snaps    SnapshotStore

	defaultStrategy Strategy
	closeOnce       sync.Once
	closeErr        error
}

// New creates an engine from a validated configuration.
func New(config Config, opts ...EngineOption) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}

	strategy, err := strategyByName(config.DefaultStrategy)
	if err != nil {
		return nil, err
	}

	store := o.queueStore
	if store == nil {
		store, err = openQueueStore(config.Queue)
		if err != nil {
			return nil, err
		}
	}
	queue, err := NewOfflineQueue(store)
	if err != nil {
		return nil, err
	}

	enc, err := newEncryptor(config.Encryption)
	if err != nil {
		queue.Close()
		return nil, err
	}

	snaps := o.snapshotStore
	if snaps == nil {
		snaps, err = openSnapshotStore(config.Snapshot)
		if err != nil {
			queue.Close()
			return nil, err
		}
	}

	e := &Engine{
		config:          config,
		registry:        o.registry,
		detector:        NewDetector(o.registry),
		resolver:        NewResolver(o.registry),
		handler:         NewErrorHandler(o.retryConfigs, config.Breaker, config.Recovery),
		queue:           queue,
		states:          NewStateManager(),
		codec:           newSnapshotCodec(enc),
		snaps:           snaps,
		defaultStrategy: strategy,
	}
	e.states.SetPending(queue.Len())

	probe := o.probe
	if probe == nil && config.Probe.URL != "" {
		probe = NewWebsocketProbe(config.Probe)
	}
	if probe != nil {
		e.monitor = NewMonitor(config.Monitor, probe, e.states)
	}
	return e, nil
}

func openQueueStore(cfg QueueConfig) (QueueStore, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryQueueStore(), nil
	case "bolt":
		return NewBoltQueueStore(cfg.Path)
	case "sqlite":
		return NewSQLiteQueueStore(SQLiteQueueStoreConfig{
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("invalid queue.store %q", cfg.Store)
	}
}

func openSnapshotStore(cfg SnapshotConfig) (SnapshotStore, error) {
	switch cfg.Store {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileSnapshotStore(cfg.Path)
	case "s3":
		return NewS3SnapshotStore(context.Background(), cfg.S3)
	default:
		return nil, fmt.Errorf("invalid snapshot.store %q", cfg.Store)
	}
}

// Start begins connectivity monitoring if a probe is configured.
func (e *Engine) Start(ctx context.Context) {
	if e.monitor != nil {
		e.monitor.Start(ctx)
	}
}

// Close stops monitoring and releases the queue store. Pending items remain
// persisted for the next session.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.monitor != nil {
			e.monitor.Stop()
		}
		e.closeErr = e.queue.Close()
	})
	return e.closeErr
}

// Registry returns the engine's entity registry.
func (e *Engine) Registry() *Registry { return e.registry }

// State returns a copy of the current global sync state.
func (e *Engine) State() GlobalSyncState { return e.states.State() }

// Subscribe registers a sync state subscriber.
func (e *Engine) Subscribe() (<-chan GlobalSyncState, func()) {
	return e.states.Subscribe()
}

// SubscribeQueue registers a queue event subscriber.
func (e *Engine) SubscribeQueue() (<-chan QueueEvent, func()) {
	return e.queue.Subscribe()
}

// SetOnline feeds an external online signal.
func (e *Engine) SetOnline() { e.states.SetOnline() }

// SetOffline feeds an external offline signal.
func (e *Engine) SetOffline() { e.states.SetOffline() }

// RegisterRecoveryHook installs a recovery hook for an error type.
func (e *Engine) RegisterRecoveryHook(t ErrorType, hook RecoveryHook) {
	e.handler.RegisterRecoveryHook(t, hook)
}

// Submit enqueues a local operation for later application. It never applies
// anything itself; draining happens in ProcessQueue.
func (e *Engine) Submit(item QueueItem) (QueueItem, error) {
	stored, err := e.queue.Enqueue(item)
	if err != nil {
		return QueueItem{}, err
	}
	e.states.SetPending(e.queue.Len())
	return stored, nil
}

// Execute runs an operation through the error handling pipeline right away.
// On success the sync state advances normally. On failure, or when the engine
// is offline, the item is queued for a later ProcessQueue pass and the
// classified error is returned so the caller knows the operation did not
// apply. Offline submissions skip execution entirely and return nil.
func (e *Engine) Execute(ctx context.Context, item QueueItem, fn func(context.Context) error) error {
	if e.states.State().Offline {
		_, err := e.Submit(item)
		return err
	}

	e.states.OperationStarted()
	opCtx := map[string]any{
		"operation":   item.Operation,
		"entity_kind": item.EntityKind,
		"entity_id":   item.EntityID,
	}
	err := e.handler.Execute(ctx, opCtx, fn)
	if err == nil {
		e.states.OperationSucceeded()
		return nil
	}

	se := e.handler.Classify(err, opCtx)
	e.states.OperationFailed(se)
	if _, qErr := e.queue.Enqueue(item); qErr != nil {
		return fmt.Errorf("queue failed operation: %w: %w", qErr, se)
	}
	e.states.SetPending(e.queue.Len())
	return se
}

// ProcessReport summarizes one queue drain pass.
type ProcessReport struct {
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// ProcessQueue drains pending items in priority order through the given
// applier. Each item runs under the full error handling pipeline: retry
// schedule by error type, circuit breaker, recovery hooks. A failure that is
// not retryable, or an item that has exhausted MaxItemRetries, is abandoned;
// any other failure leaves the item queued and stops the pass so the caller
// decides when to try again.
func (e *Engine) ProcessQueue(ctx context.Context, apply Applier) (ProcessReport, error) {
	var report ProcessReport
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if e.states.State().Offline {
			return report, nil
		}
		item, ok := e.queue.Peek()
		if !ok {
			return report, nil
		}

		e.states.OperationStarted()
		opCtx := map[string]any{
			"operation":   item.Operation,
			"entity_kind": item.EntityKind,
			"entity_id":   item.EntityID,
		}
		err := e.handler.Execute(ctx, opCtx, func(ctx context.Context) error {
			return apply(ctx, item)
		})
		if err == nil {
			if ackErr := e.queue.Ack(item.ID); ackErr != nil {
				e.states.OperationSucceeded()
				e.states.SetPending(e.queue.Len())
				return report, ackErr
			}
			report.Applied++
			e.states.OperationSucceeded()
			e.states.SetPending(e.queue.Len())
			continue
		}

		se := e.handler.Classify(err, opCtx)
		e.states.OperationFailed(se)
		updated, recErr := e.queue.RecordFailure(item.ID, se)
		if recErr != nil {
			return report, recErr
		}
		report.Failed++

		if !se.Retryable || updated.Retries >= e.config.MaxItemRetries {
			if abErr := e.queue.Abandon(item.ID, se); abErr != nil {
				return report, abErr
			}
			report.Abandoned++
			e.states.SetPending(e.queue.Len())
			continue
		}
		e.states.SetPending(e.queue.Len())
		return report, se
	}
}

// ReconcileResult carries the outcome of one reconcile call.
type ReconcileResult struct {
	Detection  *DetectionResult `json:"detection"`
	Resolution *Resolution      `json:"resolution,omitempty"`
}

// Reconcile compares local and remote versions of an entity and, when they
// conflict, applies the given strategy (or the configured default when
// strategy is nil). A resolution marked Unresolved flips the sync state to
// conflict until ResolveManually settles it.
func (e *Engine) Reconcile(local, remote, base Entity, strategy Strategy) (*ReconcileResult, error) {
	detection, err := e.detector.Detect(local, remote, base)
	if err != nil {
		return nil, err
	}
	if !detection.HasConflict {
		return &ReconcileResult{Detection: detection}, nil
	}

	if strategy == nil {
		strategy = e.defaultStrategy
	}
	resolution, err := e.resolver.Resolve(detection.Conflict, strategy)
	if err != nil {
		return nil, err
	}
	if resolution.Unresolved {
		e.states.ConflictPending()
	}
	return &ReconcileResult{Detection: detection, Resolution: resolution}, nil
}

// ResolveManually settles an unresolved conflict with the user's explicit
// choice and clears the conflict state.
func (e *Engine) ResolveManually(c *Conflict, chosen Entity) (*Resolution, error) {
	resolution, err := e.resolver.ResolveManually(c, chosen)
	if err != nil {
		return nil, err
	}
	e.states.ConflictSettled()
	return resolution, nil
}

// SaveSnapshot captures the pending queue and writes it to the configured
// snapshot store.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	if e.snaps == nil {
		return fmt.Errorf("no snapshot store configured")
	}
	items := e.queue.Items()
	snap := &QueueSnapshot{
		NodeID:    e.config.NodeID,
		Items:     items,
		TakenAt:   time.Now().UTC(),
		ItemCount: len(items),
	}
	for _, item := range items {
		if item.Seq > snap.Seq {
			snap.Seq = item.Seq
		}
	}
	data, err := e.codec.encode(snap)
	if err != nil {
		return err
	}
	return e.snaps.Write(ctx, data)
}

// RestoreSnapshot reads the configured snapshot store and merges its items
// into the queue. Items already queued are skipped. Returns the number of
// items restored.
func (e *Engine) RestoreSnapshot(ctx context.Context) (int, error) {
	if e.snaps == nil {
		return 0, fmt.Errorf("no snapshot store configured")
	}
	data, err := e.snaps.Read(ctx)
	if err != nil {
		return 0, err
	}
	snap, err := e.codec.decode(data)
	if err != nil {
		return 0, err
	}
	restored, err := e.queue.Restore(snap.Items)
	if err != nil {
		return restored, err
	}
	e.states.SetPending(e.queue.Len())
	return restored, nil
}

// EngineMetrics is a point-in-time view across all engine subsystems.
type EngineMetrics struct {
	Errors MetricsSnapshot `json:"errors"`
	Queue  QueueStats      `json:"queue"`
	State  GlobalSyncState `json:"state"`
}

// Metrics returns a snapshot of error, queue and state metrics.
func (e *Engine) Metrics() EngineMetrics {
	return EngineMetrics{
		Errors: e.handler.Metrics(),
		Queue:  e.queue.Stats(),
		State:  e.states.State(),
	}
}
