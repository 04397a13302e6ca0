package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	layer, err := NewLayer(Config{
		DataDir:   t.TempDir(),
		CacheSize: 64,
		CacheTTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { layer.Close() })
	return layer
}

func TestGetOrFetchOnline(t *testing.T) {
	layer := newTestLayer(t)

	calls := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("fresh"), nil
	}

	value, err := layer.GetOrFetch(context.Background(), "k", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), value)
	assert.Equal(t, 1, calls)

	// Online reads always hit the upstream; the cache is the fallback, not
	// a read-through short-circuit.
	_, err = layer.GetOrFetch(context.Background(), "k", 0, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrFetchFallsBackOnFetchError(t *testing.T) {
	layer := newTestLayer(t)

	ok := func(ctx context.Context) ([]byte, error) { return []byte("cached"), nil }
	failing := func(ctx context.Context) ([]byte, error) { return nil, errors.New("upstream 503") }

	_, err := layer.GetOrFetch(context.Background(), "k", 0, ok)
	require.NoError(t, err)

	value, err := layer.GetOrFetch(context.Background(), "k", 0, failing)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), value)

	// With nothing cached the fetch error propagates.
	_, err = layer.GetOrFetch(context.Background(), "unseen", 0, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 503")
}

func TestWatchDrivesConnectivity(t *testing.T) {
	layer := newTestLayer(t)

	var healthy atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go layer.Watch(ctx, time.Millisecond, func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	})

	require.Eventually(t, func() bool { return !layer.Online() }, time.Second, 5*time.Millisecond,
		"failing probes must flip the layer offline")

	healthy.Store(true)
	require.Eventually(t, layer.Online, time.Second, 5*time.Millisecond,
		"a succeeding probe must restore the online state")
}

func TestGetOrFetchFallsBackToStaleAfterExpiry(t *testing.T) {
	layer := newTestLayer(t)

	fetch := func(ctx context.Context) ([]byte, error) { return []byte("v1"), nil }
	_, err := layer.GetOrFetch(context.Background(), "k", 20*time.Millisecond, fetch)
	require.NoError(t, err)

	// Entry is past its TTL, but the upstream failing is worse than stale.
	time.Sleep(50 * time.Millisecond)

	value, err := layer.GetOrFetch(context.Background(), "k", 0, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream 503")
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
}

func TestGetOrFetchOfflineServesStale(t *testing.T) {
	layer := newTestLayer(t)

	fetch := func(ctx context.Context) ([]byte, error) { return []byte("v1"), nil }
	_, err := layer.GetOrFetch(context.Background(), "k", 20*time.Millisecond, fetch)
	require.NoError(t, err)

	layer.SetOnline(false)
	assert.False(t, layer.Online())

	// Well past the entry's TTL.
	time.Sleep(50 * time.Millisecond)

	value, err := layer.GetOrFetch(context.Background(), "k", 0, func(ctx context.Context) ([]byte, error) {
		t.Fatal("fetch must not be attempted while offline")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value, "offline reads serve stale data rather than failing")
}

func TestGetOrFetchOfflineNoData(t *testing.T) {
	layer := newTestLayer(t)
	layer.SetOnline(false)

	_, err := layer.GetOrFetch(context.Background(), "never-seen", 0, func(ctx context.Context) ([]byte, error) {
		t.Fatal("fetch must not be attempted while offline")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoCachedData)
}

func TestOnlineTransitionRestoresFetching(t *testing.T) {
	layer := newTestLayer(t)

	layer.SetOnline(false)
	layer.SetOnline(true)

	value, err := layer.GetOrFetch(context.Background(), "k", 0, func(ctx context.Context) ([]byte, error) {
		return []byte("back"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), value)
}
