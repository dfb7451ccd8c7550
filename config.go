package driftsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	// NodeID identifies this client instance in snapshots. Empty means a
	// random id is assigned at startup.
	NodeID string `yaml:"node_id"`

	// DefaultStrategy applies when Reconcile is called without an explicit
	// strategy. One of "local-wins", "remote-wins", "last-write-wins",
	// "field-merge", "manual". Default "field-merge".
	DefaultStrategy string `yaml:"default_strategy"`

	// MaxItemRetries is how many queue processing failures an item survives
	// before it is abandoned. Default 5.
	MaxItemRetries int `yaml:"max_item_retries"`

	Breaker    BreakerConfig        `yaml:"breaker"`
	Recovery   RecoveryConfig       `yaml:"recovery"`
	Monitor    MonitorConfig        `yaml:"monitor"`
	Probe      WebsocketProbeConfig `yaml:"probe"`
	Queue      QueueConfig          `yaml:"queue"`
	Snapshot   SnapshotConfig       `yaml:"snapshot"`
	Encryption EncryptionConfig     `yaml:"encryption"`
}

// QueueConfig selects and configures the offline queue's backing store.
type QueueConfig struct {
	// Store is "memory", "bolt" or "sqlite". Default "memory".
	Store string `yaml:"store"`
	// Path is the database file for the bolt and sqlite stores.
	Path string `yaml:"path"`
	// BusyTimeout applies to the sqlite store. Default 5s.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SnapshotConfig selects and configures the queue snapshot store.
type SnapshotConfig struct {
	// Store is "none", "file" or "s3". Default "none".
	Store string `yaml:"store"`
	// Path is the snapshot file for the file store.
	Path string `yaml:"path"`
	// S3 configures the s3 store.
	S3 S3SnapshotConfig `yaml:"s3"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: "field-merge",
		MaxItemRetries:  5,
		Breaker:         DefaultBreakerConfig(),
		Recovery:        DefaultRecoveryConfig(),
		Monitor:         DefaultMonitorConfig(),
		Probe:           DefaultWebsocketProbeConfig(),
		Queue: QueueConfig{
			Store:       "memory",
			BusyTimeout: 5 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Store: "none",
			S3:    DefaultS3SnapshotConfig(),
		},
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for every
// omitted field.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	switch c.DefaultStrategy {
	case "local-wins", "remote-wins", "last-write-wins", "field-merge", "manual":
	default:
		return fmt.Errorf("invalid default_strategy %q", c.DefaultStrategy)
	}
	if c.MaxItemRetries < 0 {
		return fmt.Errorf("max_item_retries must be >= 0, got %d", c.MaxItemRetries)
	}

	switch c.Queue.Store {
	case "", "memory":
	case "bolt", "sqlite":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue store %q requires queue.path", c.Queue.Store)
		}
	default:
		return fmt.Errorf("invalid queue.store %q", c.Queue.Store)
	}

	switch c.Snapshot.Store {
	case "", "none":
	case "file":
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot store %q requires snapshot.path", c.Snapshot.Store)
		}
	case "s3":
		if c.Snapshot.S3.Bucket == "" {
			return fmt.Errorf("snapshot store %q requires snapshot.s3.bucket", c.Snapshot.Store)
		}
	default:
		return fmt.Errorf("invalid snapshot.store %q", c.Snapshot.Store)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be > 0, got %s", c.Breaker.Cooldown)
	}

	return nil
}

// strategyByName maps configuration names to strategy values.
func strategyByName(name string) (Strategy, error) {
	switch name {
	case "local-wins":
		return LocalWins{}, nil
	case "remote-wins":
		return RemoteWins{}, nil
	case "last-write-wins":
		return LastWriteWins{}, nil
	case "field-merge":
		return FieldMerge{}, nil
	case "manual":
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
