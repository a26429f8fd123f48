// internal/crm/cache_test.go
package crm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheRefreshesOnceWithinTTL(t *testing.T) {
	cache := NewTTLCache()
	calls := 0
	refresh := func(ctx context.Context) (any, error) {
		calls++
		return "value", nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := cache.GetOrRefresh(ctx, "k", time.Minute, refresh)
		require.NoError(t, err)
		assert.Equal(t, "value", got)
	}
	assert.Equal(t, 1, calls)
}

func TestTTLCacheExpires(t *testing.T) {
	cache := NewTTLCache()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	calls := 0
	refresh := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	ctx := context.Background()
	got, err := cache.GetOrRefresh(ctx, "k", time.Minute, refresh)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	// Still fresh.
	now = now.Add(30 * time.Second)
	got, _ = cache.GetOrRefresh(ctx, "k", time.Minute, refresh)
	assert.Equal(t, 1, got)

	// Stale: refreshed again.
	now = now.Add(time.Minute)
	got, _ = cache.GetOrRefresh(ctx, "k", time.Minute, refresh)
	assert.Equal(t, 2, got)
}

func TestTTLCacheInvalidate(t *testing.T) {
	cache := NewTTLCache()
	calls := 0
	refresh := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	ctx := context.Background()
	cache.GetOrRefresh(ctx, "k", time.Hour, refresh)
	cache.Invalidate("k")
	got, _ := cache.GetOrRefresh(ctx, "k", time.Hour, refresh)
	assert.Equal(t, 2, got)
}

func TestTTLCacheRefreshErrorNotCached(t *testing.T) {
	cache := NewTTLCache()
	calls := 0
	ctx := context.Background()

	_, err := cache.GetOrRefresh(ctx, "k", time.Hour, func(ctx context.Context) (any, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	got, err := cache.GetOrRefresh(ctx, "k", time.Hour, func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}
