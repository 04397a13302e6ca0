package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, dir string, maxAttempts int) *Queue {
	t.Helper()
	q, err := NewQueue(dir, maxAttempts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueueN(t *testing.T, q *Queue, n int) []*QueuedOperation {
	t.Helper()
	ops := make([]*QueuedOperation, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		op, err := q.Enqueue(context.Background(), "confirm_anchor", payload)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return ops
}

func TestQueueDrainFIFO(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 10)
	enqueued := enqueueN(t, q, 3)

	var seen []string
	stats, err := q.Drain(context.Background(), func(ctx context.Context, op *QueuedOperation) error {
		seen = append(seen, op.ID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 3, stats.Delivered)
	require.Len(t, seen, 3)
	for i, op := range enqueued {
		assert.Equal(t, op.ID, seen[i], "drain must preserve enqueue order")
	}

	depth, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueueDrainKeepsFailedOperation(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 10)
	enqueued := enqueueN(t, q, 3)

	stats, err := q.Drain(context.Background(), func(ctx context.Context, op *QueuedOperation) error {
		if op.ID == enqueued[1].ID {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)

	// Exactly the failed operation remains, with its attempt recorded.
	depth, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	stats, err = q.Drain(context.Background(), func(ctx context.Context, op *QueuedOperation) error {
		assert.Equal(t, enqueued[1].ID, op.ID)
		assert.Equal(t, 1, op.Attempts)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := NewQueue(dir, 10)
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"tx": "tx-1"})
	_, err = q.Enqueue(context.Background(), "confirm_anchor", payload)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened := newTestQueue(t, dir, 10)
	depth, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "pending operations must survive a restart")

	var drained []*QueuedOperation
	_, err = reopened.Drain(context.Background(), func(ctx context.Context, op *QueuedOperation) error {
		drained = append(drained, op)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "confirm_anchor", drained[0].Type)
	assert.JSONEq(t, `{"tx":"tx-1"}`, string(drained[0].Payload))
}

func TestQueueOrderPreservedAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := NewQueue(dir, 10)
	require.NoError(t, err)
	first := enqueueN(t, q, 2)
	require.NoError(t, q.Close())

	reopened := newTestQueue(t, dir, 10)
	second := enqueueN(t, reopened, 1)

	var seen []string
	_, err = reopened.Drain(context.Background(), func(ctx context.Context, op *QueuedOperation) error {
		seen = append(seen, op.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{first[0].ID, first[1].ID, second[0].ID}, seen,
		"operations enqueued before a restart drain before those enqueued after")
}

func TestQueueDeadLetterAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 2)
	enqueueN(t, q, 1)

	alwaysFail := func(ctx context.Context, op *QueuedOperation) error {
		return errors.New("permanently broken")
	}

	stats, err := q.Drain(context.Background(), alwaysFail)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.DeadLetter)

	stats, err = q.Drain(context.Background(), alwaysFail)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)

	depth, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, depth, "dead-lettered operations leave the FIFO prefix")

	dead, err := q.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)

	// A dead-lettered operation is never redelivered.
	stats, err = q.Drain(context.Background(), alwaysFail)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}

func TestQueueDrainEmpty(t *testing.T) {
	q := newTestQueue(t, t.TempDir(), 10)

	stats, err := q.Drain(context.Background(), func(ctx context.Context, op *QueuedOperation) error {
		t.Fatal("handler must not run on an empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}
