package driftsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testSnapshot() *QueueSnapshot {
	return &QueueSnapshot{
		NodeID: "node-1",
		Items: []QueueItem{
			{ID: "a", Operation: "update", EntityKind: EntityKindChat, EntityID: "chat-1", Priority: PriorityNormal, Seq: 1},
			{ID: "b", Operation: "delete", EntityKind: EntityKindMessage, EntityID: "msg-1", Priority: PriorityHigh, Seq: 2},
		},
		TakenAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Seq:       2,
		ItemCount: 2,
	}
}

func TestSnapshotCodecRoundTrip(t *testing.T) {
	codec := newSnapshotCodec(nil)
	data, err := codec.encode(testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if string(data[:4]) != "DSQS" {
		t.Errorf("magic = %q", data[:4])
	}

	snap, err := codec.decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if snap.NodeID != "node-1" || snap.Seq != 2 || len(snap.Items) != 2 {
		t.Errorf("decoded = %+v", snap)
	}
	if snap.Items[1].EntityID != "msg-1" {
		t.Errorf("items lost: %+v", snap.Items)
	}
}

func TestSnapshotCodecEncryptedRoundTrip(t *testing.T) {
	enc, err := newEncryptor(EncryptionConfig{Enabled: true, Password: "correct horse"})
	if err != nil {
		t.Fatal(err)
	}
	codec := newSnapshotCodec(enc)

	data, err := codec.encode(testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := codec.decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if snap.NodeID != "node-1" || len(snap.Items) != 2 {
		t.Errorf("decoded = %+v", snap)
	}

	// A codec without encryption refuses an encrypted payload instead of
	// feeding ciphertext to the decompressor.
	if _, err := newSnapshotCodec(nil).decode(data); err == nil {
		t.Error("encrypted snapshot decoded without a key")
	}

	// The wrong password fails authentication.
	wrong, err := newEncryptor(EncryptionConfig{Enabled: true, Password: "battery staple"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newSnapshotCodec(wrong).decode(data); err == nil {
		t.Error("wrong password accepted")
	}
}

func TestSnapshotCodecRejectsGarbage(t *testing.T) {
	codec := newSnapshotCodec(nil)

	if _, err := codec.decode([]byte("tiny")); err == nil {
		t.Error("short payload accepted")
	}
	if _, err := codec.decode(make([]byte, 64)); err == nil {
		t.Error("wrong magic accepted")
	}

	good, err := codec.encode(testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	bad := append([]byte(nil), good...)
	bad[4] = 99 // version
	if _, err := codec.decode(bad); err == nil {
		t.Error("unknown version accepted")
	}
	if _, err := codec.decode(good[:len(good)-3]); err == nil {
		t.Error("truncated body accepted")
	}
}

func TestEncryptorConfigValidation(t *testing.T) {
	if enc, err := newEncryptor(EncryptionConfig{}); enc != nil || err != nil {
		t.Errorf("disabled config: enc=%v err=%v", enc, err)
	}
	if _, err := newEncryptor(EncryptionConfig{Enabled: true}); err == nil {
		t.Error("enabled without key or password accepted")
	}
	if _, err := newEncryptor(EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Error("short key accepted")
	}
	if _, err := newEncryptor(EncryptionConfig{Enabled: true, Key: make([]byte, 32)}); err != nil {
		t.Errorf("32-byte key rejected: %v", err)
	}
}

func TestFileSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "queue.snap")
	store, err := NewFileSnapshotStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.Read(ctx); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("missing snapshot: %v", err)
	}

	if err := store.Write(ctx, []byte("payload-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, []byte("payload-2")); err != nil {
		t.Fatal(err)
	}
	data, err := store.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload-2" {
		t.Errorf("read = %q, want the latest write", data)
	}
}
