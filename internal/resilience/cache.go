package resilience

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/expungio/expunge/internal/metrics"
)

// Cache is a TTL-aware caching layer for upstream reads
type Cache struct {
	entries    *lru.TwoQueueCache
	mutex      sync.RWMutex
	metrics    *metrics.Metrics
	defaultTTL time.Duration
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      []byte
	storedAt   time.Time
	expiration time.Time
}

// NewCache creates a new cache with the given capacity
func NewCache(capacity int, defaultTTL time.Duration) (*Cache, error) {
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		entries:    entries,
		metrics:    metrics.GetMetrics(),
		defaultTTL: defaultTTL,
	}, nil
}

// Set adds a value to the cache with the given TTL. A non-positive TTL falls
// back to the cache default.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	c.entries.Add(key, cacheItem{
		value:      value,
		storedAt:   now,
		expiration: now.Add(ttl),
	})
	c.metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
}

// Get retrieves a value from the cache. An entry past its expiry is treated
// as absent but retained, so the degraded read path can still serve it via
// GetStale; expired entries fall out through the capacity bound.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, found := c.entries.Get(key)
	if !found {
		c.metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, false
	}

	item := value.(cacheItem)
	if time.Now().After(item.expiration) {
		c.metrics.CacheOperations.WithLabelValues("get", "expired").Inc()
		return nil, false
	}

	c.metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return item.value, true
}

// GetStale retrieves a value even past its expiry. Used on the degraded read
// path where a stale value beats total failure.
func (c *Cache) GetStale(key string) ([]byte, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	value, found := c.entries.Get(key)
	if !found {
		c.metrics.CacheOperations.WithLabelValues("get_stale", "miss").Inc()
		return nil, false
	}

	item := value.(cacheItem)
	c.metrics.CacheOperations.WithLabelValues("get_stale", "hit").Inc()
	return item.value, true
}

// Evict removes a key from the cache
func (c *Cache) Evict(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries.Remove(key)
	c.metrics.CacheOperations.WithLabelValues("evict", "ok").Inc()
}

// EvictAll empties the cache
func (c *Cache) EvictAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries.Purge()
	c.metrics.CacheOperations.WithLabelValues("evict_all", "ok").Inc()
}
