package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) *Cache {
	t.Helper()
	c, err := NewWithPath(filepath.Join(t.TempDir(), "cache.db"), ttl, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Hour, 100)
	ctx := context.Background()

	type payload struct {
		Channel string `json:"channel"`
		Count   int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "messages:C1", payload{Channel: "C1", Count: 42}))

	var got payload
	found, err := c.Get(ctx, "messages:C1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{Channel: "C1", Count: 42}, got)

	found, err = c.Get(ctx, "messages:C2", &got)
	require.NoError(t, err)
	assert.False(t, found)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond, 100)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v"))

	var got string
	found, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(30 * time.Millisecond)

	found, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// The expired entry was evicted on read.
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestCache_PrunesOldestBeyondMaxSize(t *testing.T) {
	c := newTestCache(t, time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), i))
		time.Sleep(2 * time.Millisecond)
	}

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entries)

	var got int
	found, err := c.Get(ctx, "k0", &got)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = c.Get(ctx, "k4", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4, got)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := newTestCache(t, time.Hour, 100)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))

	require.NoError(t, c.Delete(ctx, "a"))

	var got int
	found, err := c.Get(ctx, "a", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Clear(ctx))
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}
