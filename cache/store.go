// Package cache provides the shared key-value store used for ephemeral
// gateway state: per-user rate-limit counters and the access-token
// blacklist. The interface is deliberately small so the backing store can
// be swapped; production uses Redis, tests use the in-memory
// implementation or miniredis.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Store is the minimal key-value contract required by the gateway.
type Store interface {
	// Increment atomically increments the counter at key and sets its
	// expiry to window on first increment. Returns the new count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// Count returns the current counter value, or 0 when absent.
	Count(ctx context.Context, key string) (int64, error)

	// PutTTL stores value under key with the given time-to-live.
	PutTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) get(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Increment implements Store.
func (m *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		e = memoryEntry{expiresAt: m.now().Add(window)}
	}
	e.count++
	m.entries[key] = e
	return e.count, nil
}

// Count implements Store.
func (m *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return 0, nil
	}
	return e.count, nil
}

// PutTTL implements Store.
func (m *MemoryStore) PutTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.get(key)
	return ok, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
