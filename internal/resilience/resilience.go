// Package resilience lets reads degrade gracefully to stale data when the
// upstream is unreachable, and lets writes degrade to deferred delivery
// through a durable retry queue.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
)

// ErrNoCachedData is returned when the layer is offline and holds no usable
// cached value for the requested key.
var ErrNoCachedData = errors.New("resilience: no cached data available")

// Config contains resilience layer configuration
type Config struct {
	// Directory for the durable queue database
	DataDir string

	// Cache capacity (entries)
	CacheSize int

	// Default cache TTL
	CacheTTL time.Duration

	// Maximum delivery attempts before dead-lettering a queued operation
	QueueMaxAttempts int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data/queue",
		CacheSize:        10000,
		CacheTTL:         5 * time.Minute,
		QueueMaxAttempts: 10,
	}
}

// Layer combines the TTL cache, the durable queue and the connectivity flag
type Layer struct {
	cache   *Cache
	queue   *Queue
	online  atomic.Bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewLayer creates the resilience layer. The layer starts in the online state.
func NewLayer(config Config) (*Layer, error) {
	if config.CacheSize == 0 {
		config.CacheSize = DefaultConfig().CacheSize
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	if config.QueueMaxAttempts == 0 {
		config.QueueMaxAttempts = DefaultConfig().QueueMaxAttempts
	}
	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}

	cache, err := NewCache(config.CacheSize, config.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	queue, err := NewQueue(config.DataDir, config.QueueMaxAttempts)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		cache:   cache,
		queue:   queue,
		logger:  logging.Component("resilience"),
		metrics: metrics.GetMetrics(),
	}
	l.online.Store(true)

	return l, nil
}

// SetOnline flips the advisory connectivity flag. The flag is driven by
// transport online/offline transitions; a real fetch failure still triggers
// the stale-cache fallback even while "online".
func (l *Layer) SetOnline(online bool) {
	was := l.online.Swap(online)
	if was != online {
		l.logger.Info().Bool("online", online).Msg("Connectivity changed")
	}
}

// Online reports the current advisory connectivity state
func (l *Layer) Online() bool {
	return l.online.Load()
}

// Watch drives the connectivity flag from a reachability probe, running it
// on a fixed interval and flipping the flag on each result. It blocks until
// the context is canceled.
func (l *Layer) Watch(ctx context.Context, interval time.Duration, probe func(context.Context) error) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := probe(ctx); err != nil {
			if l.Online() {
				l.logger.Warn().Err(err).Msg("Reachability probe failed, entering offline mode")
			}
			l.SetOnline(false)
			continue
		}
		l.SetOnline(true)
	}
}

// GetOrFetch returns the value for key, preferring a live fetch while online
// and degrading to cached data otherwise.
//
// Offline: any cached value is returned, stale or not; with nothing cached
// the call fails with ErrNoCachedData. Online: fetch is called, a success is
// cached with the given TTL, and a failure falls back to any existing cached
// value before propagating the fetch error.
func (l *Layer) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	if !l.online.Load() {
		if value, ok := l.cache.Get(key); ok {
			return value, nil
		}
		// Stale beats failing outright while the upstream is unreachable.
		if value, ok := l.cache.GetStale(key); ok {
			l.logger.Debug().Str("key", key).Msg("Serving stale cache entry while offline")
			return value, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoCachedData, key)
	}

	value, err := fetch(ctx)
	if err != nil {
		if cached, ok := l.cache.Get(key); ok {
			l.logger.Warn().Err(err).Str("key", key).Msg("Fetch failed, serving cached value")
			return cached, nil
		}
		if cached, ok := l.cache.GetStale(key); ok {
			l.logger.Warn().Err(err).Str("key", key).Msg("Fetch failed, serving stale cached value")
			return cached, nil
		}
		return nil, err
	}

	l.cache.Set(key, value, ttl)
	return value, nil
}

// Cache exposes the cache for direct manipulation
func (l *Layer) Cache() *Cache {
	return l.cache
}

// Queue exposes the durable retry queue
func (l *Layer) Queue() *Queue {
	return l.queue
}

// Close releases the underlying queue database
func (l *Layer) Close() error {
	return l.queue.Close()
}
