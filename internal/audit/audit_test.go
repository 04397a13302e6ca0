package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expungio/expunge/internal/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func report(requestID, userDID string, stage workflow.Stage) *workflow.DeletionResult {
	return &workflow.DeletionResult{
		RequestID:    requestID,
		UserDID:      userDID,
		DeletedCount: 5,
		Stage:        stage,
		StartedAt:    time.Now().UTC().Add(-time.Minute),
		FinishedAt:   time.Now().UTC(),
	}
}

func TestRecordAndLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, report("req-1", "did:midnight:alice", workflow.StageFailed)))
	require.NoError(t, store.Record(ctx, report("req-2", "did:midnight:alice", workflow.StageComplete)))

	latest, err := store.Latest(ctx, "did:midnight:alice")
	require.NoError(t, err)
	assert.Equal(t, "req-2", latest.RequestID)
	assert.True(t, latest.Succeeded())
}

func TestLatestUnknownSubject(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Latest(context.Background(), "did:midnight:nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListIsScopedAndOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, report("req-1", "did:midnight:alice", workflow.StageFailed)))
	require.NoError(t, store.Record(ctx, report("req-2", "did:midnight:bob", workflow.StageComplete)))
	require.NoError(t, store.Record(ctx, report("req-3", "did:midnight:alice", workflow.StageComplete)))

	results, err := store.List(ctx, "did:midnight:alice")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "req-1", results[0].RequestID)
	assert.Equal(t, "req-3", results[1].RequestID)

	results, err = store.List(ctx, "did:midnight:bob")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "req-2", results[0].RequestID)
}

func TestReportsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), report("req-1", "did:midnight:alice", workflow.StageComplete)))
	require.NoError(t, store.Close())

	reopened, err := NewStore(Config{DataDir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.Latest(context.Background(), "did:midnight:alice")
	require.NoError(t, err)
	assert.Equal(t, "req-1", latest.RequestID)
}
