package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/plotpurr/pkg/storage"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Store keeps entries in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	closed  bool

	now func() time.Time
}

// New creates an in-memory store
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns a copy of the stored value
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, storage.ErrClosed
	}
	e, ok := s.entries[string(key)]
	if !ok || e.expired(s.now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Put stores a copy of value
func (s *Store) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	e := entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[string(key)] = e
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.entries, string(key))
	return nil
}

// Close drops all entries
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.closed = true
	return nil
}

// Stats returns the number of live entries and their total size
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	now := s.now()
	stats := &storage.Stats{}
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		stats.Entries++
		stats.SizeBytes += uint64(len(k) + len(e.value))
	}
	return stats, nil
}
