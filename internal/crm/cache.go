// internal/crm/cache.go
package crm

import (
	"context"
	"sync"
	"time"
)

// TTLCache is a process-wide get-or-refresh cache with per-entry TTL.
// It is not invalidated on write; callers pick a TTL they can live with.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	// now is replaceable in tests to control staleness.
	now func() time.Time
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// GetOrRefresh returns the cached value for key, calling refresh when the
// entry is missing or expired. The lock is not held across refresh, so two
// concurrent misses may refresh twice; last write wins.
func (c *TTLCache) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := refresh(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops the entry for key, if any.
func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
