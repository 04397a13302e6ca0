package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	cache, err := NewCache(16, time.Minute)
	require.NoError(t, err)

	cache.Set("user:alice", []byte("report"), 0)

	value, ok := cache.Get("user:alice")
	require.True(t, ok)
	assert.Equal(t, []byte("report"), value)

	_, ok = cache.Get("user:bob")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	cache, err := NewCache(16, time.Minute)
	require.NoError(t, err)

	cache.Set("short", []byte("lived"), 20*time.Millisecond)

	_, ok := cache.Get("short")
	require.True(t, ok, "fresh entry must be served")

	time.Sleep(40 * time.Millisecond)

	_, ok = cache.Get("short")
	assert.False(t, ok, "expired entry must not be served by Get")

	// The stale read path still sees it until something overwrites it.
	value, ok := cache.GetStale("short")
	require.True(t, ok)
	assert.Equal(t, []byte("lived"), value)
}

func TestCacheOverwrite(t *testing.T) {
	cache, err := NewCache(16, time.Minute)
	require.NoError(t, err)

	cache.Set("k", []byte("v1"), 0)
	cache.Set("k", []byte("v2"), 0)

	value, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)
}

func TestCacheEvict(t *testing.T) {
	cache, err := NewCache(16, time.Minute)
	require.NoError(t, err)

	cache.Set("k", []byte("v"), 0)
	cache.Evict("k")

	_, ok := cache.Get("k")
	assert.False(t, ok)
	_, ok = cache.GetStale("k")
	assert.False(t, ok, "eviction removes the stale copy too")

	cache.Set("a", []byte("1"), 0)
	cache.Set("b", []byte("2"), 0)
	cache.EvictAll()
	_, ok = cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("b")
	assert.False(t, ok)
}

func TestCacheCapacityBound(t *testing.T) {
	cache, err := NewCache(4, time.Minute)
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		cache.Set(key, []byte(key), 0)
	}

	// The most recent insert always survives eviction pressure.
	_, ok := cache.Get("h")
	assert.True(t, ok)
}
