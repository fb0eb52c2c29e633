package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Provider defines the counter and key-value operations the engine needs.
// The remediation rate limiter is the primary consumer; counters must expire
// so a quiet resource regains its budget.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr increments the integer at key, setting ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// MemoryProvider is an in-process Provider used when no Valkey cluster is
// configured. Entries expire lazily on access.
type MemoryProvider struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value    []byte
	counter  int64
	expireAt time.Time
}

// NewMemoryProvider constructs an empty in-process provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{entries: make(map[string]memoryEntry)}
}

func (m *MemoryProvider) live(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expireAt.IsZero() && now.After(entry.expireAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// Get fetches bytes by key, returning ErrCacheMiss when absent or expired.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key, time.Now())
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

// Set stores bytes with the provided TTL (zero means no expiry).
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expireAt = time.Now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Incr bumps the counter at key, starting the TTL clock on creation.
func (m *MemoryProvider) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	entry, ok := m.live(key, now)
	if !ok {
		entry = memoryEntry{}
		if ttl > 0 {
			entry.expireAt = now.Add(ttl)
		}
	}
	entry.counter++
	m.entries[key] = entry
	return entry.counter, nil
}

// Del removes a key.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close is a no-op for the in-process provider.
func (m *MemoryProvider) Close() error { return nil }
