package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memoryEntry struct {
	value     []byte
	fields    map[string][]byte // non-nil only for hash entries
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Memory is a thread-safe in-process Store with per-entry TTL eviction.
// A background sweeper removes expired entries; reads also evict lazily so
// callers never observe stale values between sweeps.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*memoryEntry

	defaultTTL      time.Duration
	cleanupInterval time.Duration

	// Statistics (atomic)
	hits   atomic.Int64
	misses atomic.Int64

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
	closed   atomic.Bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithDefaultTTL overrides the TTL applied when Set is called with ttl == 0.
func WithDefaultTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithCleanupInterval overrides how often the background sweeper runs.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		if interval > 0 {
			m.cleanupInterval = interval
		}
	}
}

// NewMemory creates a Memory store and starts its background sweeper.
func NewMemory(ctx context.Context, opts ...MemoryOption) *Memory {
	m := &Memory{
		items:           make(map[string]*memoryEntry),
		defaultTTL:      DefaultTTL,
		cleanupInterval: time.Minute,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweep(ctx)
	return m
}

func (m *Memory) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	return ttl
}

// Get retrieves a value by key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		if ok {
			m.evict(key)
		}
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	return entry.value, true
}

// Set stores a value under key.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	m.items[key] = &memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(m.ttlOrDefault(ttl)),
	}
	m.mu.Unlock()
	return nil
}

// Has reports whether key exists and has not expired.
func (m *Memory) Has(ctx context.Context, key string) bool {
	m.mu.RLock()
	entry, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	if entry.expired(time.Now()) {
		m.evict(key)
		return false
	}
	return true
}

// Delete removes an entry by key.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	m.mu.Lock()
	_, ok := m.items[key]
	delete(m.items, key)
	m.mu.Unlock()
	return ok, nil
}

// HGet retrieves a single field from the hash stored at key.
func (m *Memory) HGet(_ context.Context, key, field string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || entry.fields == nil || entry.expired(time.Now()) {
		m.misses.Add(1)
		return nil, false
	}

	value, ok := entry.fields[field]
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return value, ok
}

// HSet stores a single field in the hash at key, refreshing the entry TTL.
func (m *Memory) HSet(_ context.Context, key, field string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	entry, ok := m.items[key]
	if !ok || entry.fields == nil || entry.expired(now) {
		entry = &memoryEntry{fields: make(map[string][]byte)}
		m.items[key] = entry
	}
	entry.fields[field] = value
	entry.expiresAt = now.Add(m.ttlOrDefault(ttl))
	m.mu.Unlock()
	return nil
}

// HDelete removes a field from the hash at key.
func (m *Memory) HDelete(_ context.Context, key, field string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.items[key]
	if !ok || entry.fields == nil {
		return false, nil
	}
	_, ok = entry.fields[field]
	delete(entry.fields, field)
	return ok, nil
}

// Keys returns all live keys with the given prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for key, entry := range m.items {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeleteAll removes every key with the given prefix.
func (m *Memory) DeleteAll(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			removed++
		}
	}
	return removed, nil
}

// Size returns the current number of entries, including not-yet-swept
// expired ones.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Stats returns hit/miss counters accumulated since construction.
func (m *Memory) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		close(m.shutdown)
	}

	select {
	case <-m.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache sweeper to finish")
	}
}

// evict removes key if it is still present and expired. Double-checked
// under the write lock because a concurrent Set may have refreshed it.
func (m *Memory) evict(key string) {
	m.mu.Lock()
	if entry, ok := m.items[key]; ok && entry.expired(time.Now()) {
		delete(m.items, key)
	}
	m.mu.Unlock()
}

func (m *Memory) sweep(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

func (m *Memory) removeExpired() {
	now := time.Now()
	m.mu.Lock()
	for key, entry := range m.items {
		if entry.expired(now) {
			delete(m.items, key)
		}
	}
	m.mu.Unlock()
}
