package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryBackend keeps entries in a bounded in-process LRU
type MemoryBackend struct {
	entries *lru.Cache[string, []byte]
}

// NewMemoryBackend creates an LRU backend holding at most size entries
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = 1000
	}

	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &MemoryBackend{entries: entries}, nil
}

// Name implements Backend
func (m *MemoryBackend) Name() string { return "memory" }

// Get implements Backend
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set implements Backend
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries.Add(key, stored)
	return nil
}

// Len returns the number of stored entries
func (m *MemoryBackend) Len() int {
	return m.entries.Len()
}
