// Package cache defines the durable training cache consumed by the
// fingerprint engine: a content-addressed key/value store whose keys are
// node fingerprints and whose entries are write-once.
//
// Because identical fingerprints imply identical content, concurrent writers
// of the same key are idempotent and need no coordination beyond the store's
// own transaction guarantees.
package cache

import (
	"context"
	"sync"
)

// Entry is one cached training result: the deterministic fingerprint of the
// node's output plus an optional serialized payload (a codec-encoded value
// or a packaged resource directory).
type Entry struct {
	OutputFingerprint string
	Payload           []byte
}

// Store is the cache contract. Keys are opaque strings. Probe must not
// fetch the payload; Get returns (nil, nil) when the key is absent.
type Store interface {
	Probe(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Close() error
}

// InMemory is a Store for tests and cache-less runs. Entries do not survive
// the process.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]Entry)}
}

// Probe implements Store.
func (m *InMemory) Probe(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

// Get implements Store.
func (m *InMemory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Put implements Store. Entries are write-once; an existing key is left as
// is.
func (m *InMemory) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; exists {
		return nil
	}
	m.entries[key] = entry
	return nil
}

// Close implements Store.
func (m *InMemory) Close() error { return nil }

// Len returns the number of stored entries.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
