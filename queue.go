package driftsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned when operations are attempted on a closed queue.
var ErrQueueClosed = errors.New("offline queue is closed")

// ErrItemNotFound is returned when a queue item id is unknown.
var ErrItemNotFound = errors.New("queue item not found")

// Queue item priorities. Higher priorities are drained first; within a
// priority band the queue is FIFO.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// QueueItem is one not-yet-acknowledged local operation. An item lives until
// its operation is confirmed applied or a caller explicitly abandons it; the
// queue itself never discards anything.
type QueueItem struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	Retries    int             `json:"retries"`
	Seq        uint64          `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// QueueEventKind discriminates queue events.
type QueueEventKind string

const (
	// QueueItemAdded is emitted when an item is enqueued.
	QueueItemAdded QueueEventKind = "item-added"
	// QueueItemRemoved is emitted when an item is acknowledged or abandoned.
	QueueItemRemoved QueueEventKind = "item-removed"
)

// QueueEvent is delivered to queue subscribers.
type QueueEvent struct {
	Kind    QueueEventKind `json:"kind"`
	Item    QueueItem      `json:"item"`
	Reason  string         `json:"reason,omitempty"`
	Pending int            `json:"pending"`
}

// QueueStats is a non-destructive view of queue contents.
type QueueStats struct {
	Pending       int         `json:"pending"`
	ByPriority    map[int]int `json:"by_priority"`
	TotalEnqueued int64       `json:"total_enqueued"`
	TotalRemoved  int64       `json:"total_removed"`
	OldestCreated time.Time   `json:"oldest_created,omitempty"`
}

// OfflineQueue is an ordered, priority-aware holding area for operations
// that could not be applied immediately. It is safe for concurrent use; all
// mutations are sequenced under one lock so no two logical operations on the
// same item interleave.
type OfflineQueue struct {
	mu     sync.Mutex
	store  QueueStore
	items  map[string]*QueueItem
	order  []*QueueItem // maintained sorted: priority desc, seq asc
	seq    uint64
	closed bool

	subscribers map[int]chan QueueEvent
	nextSubID   int

	totalEnqueued int64
	totalRemoved  int64
}

// NewOfflineQueue creates a queue over the given store and loads any
// persisted items. A nil store uses an in-memory store.
func NewOfflineQueue(store QueueStore) (*OfflineQueue, error) {
	if store == nil {
		store = NewMemoryQueueStore()
	}
	items, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	q := &OfflineQueue{
		store:       store,
		items:       make(map[string]*QueueItem, len(items)),
		subscribers: make(map[int]chan QueueEvent),
	}
	for i := range items {
		item := items[i]
		q.items[item.ID] = &item
		q.order = append(q.order, q.items[item.ID])
		if item.Seq > q.seq {
			q.seq = item.Seq
		}
	}
	q.sortLocked()
	return q, nil
}

// Enqueue appends an operation to the queue, assigning a stable id and
// sequence number, and emits an item-added event. The stored item is
// returned.
func (q *OfflineQueue) Enqueue(item QueueItem) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return QueueItem{}, ErrQueueClosed
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := q.items[item.ID]; exists {
		return QueueItem{}, fmt.Errorf("queue item %s already enqueued", item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	q.seq++
	item.Seq = q.seq

	if err := q.store.Put(item); err != nil {
		return QueueItem{}, fmt.Errorf("persist queue item: %w", err)
	}

	stored := item
	q.items[stored.ID] = &stored
	q.order = append(q.order, q.items[stored.ID])
	q.sortLocked()
	q.totalEnqueued++

	q.publishLocked(QueueEvent{Kind: QueueItemAdded, Item: stored, Pending: len(q.order)})
	return stored, nil
}

// Peek returns the next item to drain (highest priority band, FIFO within
// the band) without removing it.
func (q *OfflineQueue) Peek() (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return QueueItem{}, false
	}
	return *q.order[0], true
}

// Ack removes an item whose operation was confirmed applied and emits an
// item-removed event.
func (q *OfflineQueue) Ack(id string) error {
	return q.remove(id, "applied", "")
}

// Abandon removes an item by explicit policy decision and emits an
// item-removed event carrying the last error.
func (q *OfflineQueue) Abandon(id string, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return q.remove(id, "abandoned", msg)
}

func (q *OfflineQueue) remove(id, reason, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err := q.store.Delete(id); err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}

	delete(q.items, id)
	for i, it := range q.order {
		if it.ID == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.totalRemoved++

	removed := *item
	if lastErr != "" {
		removed.LastError = lastErr
	}
	q.publishLocked(QueueEvent{Kind: QueueItemRemoved, Item: removed, Reason: reason, Pending: len(q.order)})
	return nil
}

// RecordFailure increments an item's retry counter and records the failure
// text. The item stays queued; whether to keep retrying is the caller's
// policy, not the queue's.
func (q *OfflineQueue) RecordFailure(id string, cause error) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return QueueItem{}, ErrQueueClosed
	}
	item, ok := q.items[id]
	if !ok {
		return QueueItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	updated := *item
	updated.Retries++
	if cause != nil {
		updated.LastError = cause.Error()
	}
	if err := q.store.Put(updated); err != nil {
		return QueueItem{}, fmt.Errorf("persist queue item: %w", err)
	}
	*item = updated
	return updated, nil
}

// Restore inserts previously captured items, preserving their ids and
// sequence numbers. Items whose id is already queued are skipped, so a
// restore never duplicates live work. Returns the number of items inserted.
func (q *OfflineQueue) Restore(items []QueueItem) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	restored := 0
	for i := range items {
		item := items[i]
		if item.ID == "" {
			continue
		}
		if _, exists := q.items[item.ID]; exists {
			continue
		}
		if item.Seq == 0 {
			q.seq++
			item.Seq = q.seq
		} else if item.Seq > q.seq {
			q.seq = item.Seq
		}
		if err := q.store.Put(item); err != nil {
			return restored, fmt.Errorf("persist queue item: %w", err)
		}
		q.items[item.ID] = &item
		q.order = append(q.order, q.items[item.ID])
		q.totalEnqueued++
		restored++
		q.publishLocked(QueueEvent{Kind: QueueItemAdded, Item: item, Pending: len(q.order)})
	}
	q.sortLocked()
	return restored, nil
}

// Items returns a copy of all queued items in drain order. Inspection is
// non-destructive.
func (q *OfflineQueue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueItem, len(q.order))
	for i, item := range q.order {
		out[i] = *item
	}
	return out
}

// Len returns the number of pending items.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Stats returns queue statistics.
func (q *OfflineQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Pending:       len(q.order),
		ByPriority:    make(map[int]int),
		TotalEnqueued: q.totalEnqueued,
		TotalRemoved:  q.totalRemoved,
	}
	for _, item := range q.order {
		stats.ByPriority[item.Priority]++
		if stats.OldestCreated.IsZero() || item.CreatedAt.Before(stats.OldestCreated) {
			stats.OldestCreated = item.CreatedAt
		}
	}
	return stats
}

// Subscribe registers a queue event subscriber. The returned cancel function
// must be called to release the channel. Slow subscribers drop events rather
// than block the queue.
func (q *OfflineQueue) Subscribe() (<-chan QueueEvent, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextSubID
	q.nextSubID++
	ch := make(chan QueueEvent, 16)
	q.subscribers[id] = ch

	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if sub, ok := q.subscribers[id]; ok {
			delete(q.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (q *OfflineQueue) publishLocked(ev QueueEvent) {
	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close releases the queue and its store. Pending items remain in the store
// for the next session.
func (q *OfflineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, ch := range q.subscribers {
		delete(q.subscribers, id)
		close(ch)
	}
	return q.store.Close()
}

func (q *OfflineQueue) sortLocked() {
	sort.SliceStable(q.order, func(i, j int) bool {
		if q.order[i].Priority != q.order[j].Priority {
			return q.order[i].Priority > q.order[j].Priority
		}
		return q.order[i].Seq < q.order[j].Seq
	})
}
