package state

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps parameters in process memory.  It backs tests and
// dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	puts   map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store pre-populated with initial.
func NewMemoryStore(initial map[string]string) *MemoryStore {
	m := &MemoryStore{
		values: make(map[string]string, len(initial)),
		puts:   make(map[string]int),
	}
	maps.Copy(m.values, initial)
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.puts[key]++
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Puts returns how many times key has been written.
func (m *MemoryStore) Puts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// Snapshot returns a copy of all stored values.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values)
}
