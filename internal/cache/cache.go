// Package cache stores timestamped payloads keyed by instance. Freshness is
// decided by callers; the store only records when each entry was written.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// KeyPrefix namespaces every instance status entry
const KeyPrefix = "version-instance:"

// ErrNotFound is returned by backends when a key has no value
var ErrNotFound = errors.New("cache entry not found")

// Backend persists raw entry bytes
type Backend interface {
	// Name identifies the backend in logs and stats
	Name() string
	// Get returns the stored bytes or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, overwriting any previous value
	Set(ctx context.Context, key string, value []byte) error
}

// Entry is a payload together with the time it was written
type Entry[T any] struct {
	Timestamp int64 `json:"timestamp"`
	Payload   T     `json:"payload"`
}

// WrittenAt returns the entry timestamp as a time
func (e Entry[T]) WrittenAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Fresh reports whether the entry is younger than ttl at now
func (e Entry[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.WrittenAt()) < ttl
}

// Store is a typed view over a Backend
type Store[T any] struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore creates a typed store over backend
func NewStore[T any](backend Backend, logger *slog.Logger) *Store[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[T]{
		backend: backend,
		logger:  logger,
	}
}

// Backend returns the name of the underlying backend
func (s *Store[T]) Backend() string {
	return s.backend.Name()
}

// Get returns the entry stored under key. Missing entries, backend failures
// and values that do not decode are all reported as absent.
func (s *Store[T]) Get(ctx context.Context, key string) (Entry[T], bool) {
	var entry Entry[T]

	raw, err := s.backend.Get(ctx, KeyPrefix+key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("cache read failed", "key", key, "backend", s.backend.Name(), "error", err)
		}
		return entry, false
	}

	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Warn("discarding corrupt cache entry", "key", key, "backend", s.backend.Name(), "error", err)
		return entry, false
	}
	if entry.Timestamp <= 0 {
		s.logger.Warn("discarding cache entry without timestamp", "key", key, "backend", s.backend.Name())
		return entry, false
	}

	return entry, true
}

// Set overwrites the entry under key with payload stamped at the given time
func (s *Store[T]) Set(ctx context.Context, key string, payload T, at time.Time) error {
	raw, err := json.Marshal(Entry[T]{
		Timestamp: at.UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %q: %w", key, err)
	}

	if err := s.backend.Set(ctx, KeyPrefix+key, raw); err != nil {
		return fmt.Errorf("failed to write cache entry %q: %w", key, err)
	}
	return nil
}
