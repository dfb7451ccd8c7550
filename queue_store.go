package driftsync

import "sync"

// QueueStore persists offline queue items. The queue mirrors every mutation
// through its store so that pending operations survive a process restart.
type QueueStore interface {
	// Load returns all persisted items in any order.
	Load() ([]QueueItem, error)

	// Put inserts or replaces an item.
	Put(item QueueItem) error

	// Delete removes an item by id. Deleting an unknown id is not an error.
	Delete(id string) error

	// Close releases the store.
	Close() error
}

// MemoryQueueStore keeps items in memory. It is the default store; pending
// operations do not survive a restart.
type MemoryQueueStore struct {
	mu    sync.Mutex
	items map[string]QueueItem
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{items: make(map[string]QueueItem)}
}

// Load implements QueueStore.
func (s *MemoryQueueStore) Load() ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out, nil
}

// Put implements QueueStore.
func (s *MemoryQueueStore) Put(item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

// Delete implements QueueStore.
func (s *MemoryQueueStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// Close implements QueueStore.
func (s *MemoryQueueStore) Close() error { return nil }
