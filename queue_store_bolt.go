package driftsync

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var queueBucket = []byte("queue_items")

// BoltQueueStore persists queue items in a bbolt database. Suited to client
// processes that need the queue to survive restarts without running SQL.
type BoltQueueStore struct {
	db *bolt.DB
}

// NewBoltQueueStore opens (creating if needed) a bbolt database at path.
func NewBoltQueueStore(path string) (*BoltQueueStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt queue store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue bucket: %w", err)
	}
	return &BoltQueueStore{db: db}, nil
}

// Load implements QueueStore.
func (s *BoltQueueStore) Load() ([]QueueItem, error) {
	var items []QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode queue item %s: %w", k, err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Put implements QueueStore.
func (s *BoltQueueStore) Put(item QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Put([]byte(item.ID), data)
	})
}

// Delete implements QueueStore.
func (s *BoltQueueStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

// Close implements QueueStore.
func (s *BoltQueueStore) Close() error {
	return s.db.Close()
}
