package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store is a byte key/value store holding discovery results.
// Implementations: memory (testing, ephemeral runs), badger (persistent)
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key []byte) (value []byte, ok bool, err error)

	// Put stores value under key. A zero ttl never expires.
	Put(ctx context.Context, key, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Close cleanly shuts down the store
	Close() error

	// Stats returns store statistics
	Stats(ctx context.Context) (*Stats, error)
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Stats provides cache health and usage info
type Stats struct {
	// Live entries
	Entries uint64 `json:"entries"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`
}

// Namespace separates kinds of cached values sharing one store.
type Namespace byte

const (
	NamespaceSchema Namespace = 's'
	NamespaceExtent Namespace = 'e'
)

// Key builds a 9-byte key: [namespace (1 byte)][xxhash of parts (8 bytes)].
// Parts are hashed with a separator so ("ab", "c") and ("a", "bc") differ.
func Key(ns Namespace, parts ...string) []byte {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}

	key := make([]byte, 9)
	key[0] = byte(ns)
	binary.BigEndian.PutUint64(key[1:], d.Sum64())
	return key
}
