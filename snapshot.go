package driftsync

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/golang/snappy"
)

// ErrSnapshotNotFound is returned when no snapshot exists in the store.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// snapshotMagic identifies a driftsync queue snapshot.
var snapshotMagic = [4]byte{'D', 'S', 'Q', 'S'}

const snapshotVersion = 1

// snapshot flag bits.
const (
	snapshotFlagEncrypted = 1 << 0
)

// QueueSnapshot is a durable checkpoint of the offline queue.
type QueueSnapshot struct {
	NodeID    string      `json:"node_id,omitempty"`
	Items     []QueueItem `json:"items"`
	TakenAt   time.Time   `json:"taken_at"`
	Seq       uint64      `json:"seq"`
	ItemCount int         `json:"item_count"`
}

// SnapshotStore persists queue snapshots.
type SnapshotStore interface {
	// Write stores a snapshot payload, replacing any previous one.
	Write(ctx context.Context, data []byte) error

	// Read returns the last stored snapshot payload, or ErrSnapshotNotFound.
	Read(ctx context.Context) ([]byte, error)
}

// snapshotCodec frames snapshots: magic, version, flags, then the JSON body
// compressed with snappy and optionally sealed with AES-GCM.
type snapshotCodec struct {
	enc *encryptor
}

func newSnapshotCodec(enc *encryptor) *snapshotCodec {
	return &snapshotCodec{enc: enc}
}

func (c *snapshotCodec) encode(snap *QueueSnapshot) ([]byte, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	body = snappy.Encode(nil, body)

	var flags byte
	if c.enc != nil {
		flags |= snapshotFlagEncrypted
		body, err = c.enc.seal(body)
		if err != nil {
			return nil, fmt.Errorf("seal snapshot: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(flags)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(body)))
	buf.Write(sizeBuf[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

func (c *snapshotCodec) decode(data []byte) (*QueueSnapshot, error) {
	if len(data) < 4+1+1+8 {
		return nil, errors.New("snapshot payload too short")
	}
	if !bytes.Equal(data[:4], snapshotMagic[:]) {
		return nil, errors.New("not a queue snapshot")
	}
	if data[4] != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", data[4])
	}
	flags := data[5]
	size := binary.LittleEndian.Uint64(data[6:14])
	body := data[14:]
	if uint64(len(body)) != size {
		return nil, fmt.Errorf("snapshot body size mismatch: header %d, got %d", size, len(body))
	}

	var err error
	if flags&snapshotFlagEncrypted != 0 {
		if c.enc == nil {
			return nil, errors.New("snapshot is encrypted but no encryption is configured")
		}
		body, err = c.enc.open(body)
		if err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
	}

	body, err = snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	var snap QueueSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// FileSnapshotStore keeps the snapshot in a local file, written atomically
// via rename.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a file snapshot store at path.
func NewFileSnapshotStore(path string) (*FileSnapshotStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileSnapshotStore{path: path}, nil
}

// Write implements SnapshotStore.
func (s *FileSnapshotStore) Write(_ context.Context, data []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Read implements SnapshotStore.
func (s *FileSnapshotStore) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// S3SnapshotConfig configures the S3 snapshot store.
type S3SnapshotConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // for S3-compatible services (MinIO, etc.)
	Key      string `yaml:"key"`      // object key for the snapshot
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles or
	// environment variables over setting these directly. DO NOT commit
	// credentials to source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// DefaultS3SnapshotConfig returns the default S3 snapshot settings.
func DefaultS3SnapshotConfig() S3SnapshotConfig {
	return S3SnapshotConfig{
		Region: "us-east-1",
		Key:    "driftsync/queue-snapshot",
	}
}

// S3SnapshotStore keeps the snapshot in an S3 (or S3-compatible) bucket so
// a device can restore its pending queue from durable storage.
type S3SnapshotStore struct {
	client *s3.Client
	config S3SnapshotConfig
}

// NewS3SnapshotStore creates an S3 snapshot store.
func NewS3SnapshotStore(ctx context.Context, cfg S3SnapshotConfig) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Key == "" {
		cfg.Key = "driftsync/queue-snapshot"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

// Write implements SnapshotStore.
func (s *S3SnapshotStore) Write(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.config.Key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 put snapshot failed: %w", err)
	}
	return nil
}

// Read implements SnapshotStore.
func (s *S3SnapshotStore) Read(ctx context.Context) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.config.Key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("S3 get snapshot failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 read snapshot failed: %w", err)
	}
	return data, nil
}
