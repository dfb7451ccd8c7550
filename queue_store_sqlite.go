package driftsync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteQueueStoreConfig configures the SQLite queue store.
type SQLiteQueueStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode. Default: WAL.
	JournalMode string

	// BusyTimeout is how long a locked database is retried. Default: 5s.
	BusyTimeout time.Duration
}

// SQLiteQueueStore persists queue items in a SQLite database. Suited to
// deployments that already carry a SQLite file for entity data.
type SQLiteQueueStore struct {
	db *sql.DB
}

// NewSQLiteQueueStore opens (creating if needed) the queue table at the
// configured path.
func NewSQLiteQueueStore(cfg SQLiteQueueStoreConfig) (*SQLiteQueueStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite queue store: path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue store: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", cfg.JournalMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id         TEXT PRIMARY KEY,
	priority   INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_order ON queue_items (priority DESC, seq ASC);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	return &SQLiteQueueStore{db: db}, nil
}

// Load implements QueueStore.
func (s *SQLiteQueueStore) Load() ([]QueueItem, error) {
	rows, err := s.db.Query("SELECT payload FROM queue_items ORDER BY priority DESC, seq ASC")
	if err != nil {
		return nil, fmt.Errorf("load queue items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		var item QueueItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Put implements QueueStore.
func (s *SQLiteQueueStore) Put(item QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO queue_items (id, priority, seq, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET priority=excluded.priority, seq=excluded.seq, payload=excluded.payload`,
		item.ID, item.Priority, item.Seq, string(data),
	)
	if err != nil {
		return fmt.Errorf("persist queue item: %w", err)
	}
	return nil
}

// Delete implements QueueStore.
func (s *SQLiteQueueStore) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM queue_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return nil
}

// Close implements QueueStore.
func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}
