package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry carries the stored bytes plus their own deadline. The otter write
// TTL only bounds the eviction horizon; per-entry lifetimes are enforced
// on read.
type entry struct {
	data     []byte
	deadline int64 // unix nanos
}

// Memory is an in-memory W-TinyLFU store backed by otter.
type Memory struct {
	cache   *otter.Cache[string, entry]
	horizon time.Duration
}

// NewMemory creates a store holding at most maxEntries values. horizon is
// the longest lifetime any entry can have; per-entry TTLs are clamped to it.
func NewMemory(maxEntries int, horizon time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](horizon),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, horizon: horizon}, nil
}

// Get returns the stored bytes when present and not past their deadline.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if time.Now().UnixNano() >= e.deadline {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores bytes for ttl. Zero or oversized TTLs fall back to the horizon.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > m.horizon {
		ttl = m.horizon
	}
	m.cache.Set(key, entry{data: val, deadline: time.Now().Add(ttl).UnixNano()})
}

// Delete removes one entry.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}
