package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nicktill/plotpurr/pkg/storage"
)

func TestMemoryStore_PutAndGet(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	key := storage.Key(storage.NamespaceSchema, "/data/a.parquet", "1024", "1700000000")

	if _, ok, err := store.Get(ctx, key); err != nil || ok {
		t.Fatalf("Expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	value := []byte(`[{"name":"ts"}]`)
	if err := store.Put(ctx, key, value, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Mutating the caller's slice must not change the stored value
	value[0] = 'X'

	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Expected hit, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte(`[{"name":"ts"}]`)) {
		t.Errorf("Unexpected value %q", got)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	store := New()
	defer store.Close()

	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	key := storage.Key(storage.NamespaceExtent, "x")
	if err := store.Put(ctx, key, []byte("1"), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := store.Get(ctx, key); !ok {
		t.Fatal("Expected hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, key); ok {
		t.Error("Expected miss after expiry")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("Expected 0 live entries, got %d", stats.Entries)
	}
}

func TestMemoryStore_DeleteAndStats(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	a := storage.Key(storage.NamespaceSchema, "a")
	b := storage.Key(storage.NamespaceSchema, "b")
	_ = store.Put(ctx, a, []byte("aaaa"), 0)
	_ = store.Put(ctx, b, []byte("bb"), 0)

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 2 {
		t.Errorf("Expected 2 entries, got %d", stats.Entries)
	}
	if stats.SizeBytes != uint64(2*9+4+2) {
		t.Errorf("Unexpected size %d", stats.SizeBytes)
	}

	if err := store.Delete(ctx, a); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, a); err != nil {
		t.Fatalf("Deleting a missing key should succeed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, a); ok {
		t.Error("Expected deleted key to be gone")
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	store := New()
	store.Close()

	_, _, err := store.Get(context.Background(), []byte("k"))
	if !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := store.Put(context.Background(), []byte("k"), nil, 0); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	store := New()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, []byte("k"), []byte("v"), 0); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestKey(t *testing.T) {
	k1 := storage.Key(storage.NamespaceSchema, "ab", "c")
	k2 := storage.Key(storage.NamespaceSchema, "a", "bc")
	k3 := storage.Key(storage.NamespaceExtent, "ab", "c")

	if len(k1) != 9 {
		t.Fatalf("Expected 9-byte key, got %d", len(k1))
	}
	if bytes.Equal(k1, k2) {
		t.Error("Keys with different part boundaries must differ")
	}
	if !bytes.Equal(k1[1:], k3[1:]) || k1[0] == k3[0] {
		t.Error("Namespaces must only change the prefix byte")
	}
	if !bytes.Equal(k1, storage.Key(storage.NamespaceSchema, "ab", "c")) {
		t.Error("Key must be deterministic")
	}
}
