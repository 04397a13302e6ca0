package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthProbeReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := HealthProbe(RemoteConfig{StorageURL: server.URL})
	assert.NoError(t, probe(context.Background()))
}

func TestHealthProbeReachableDespiteServerError(t *testing.T) {
	// A 5xx still proves the upstream is reachable; only transport
	// failures count as offline.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	probe := HealthProbe(RemoteConfig{StorageURL: server.URL})
	assert.NoError(t, probe(context.Background()))
}

func TestHealthProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	probe := HealthProbe(RemoteConfig{StorageURL: server.URL})
	require.Error(t, probe(context.Background()))
}
