package resilience

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
)

const (
	// Key prefixes inside the queue database
	prefixOps  = "op:"
	prefixDead = "dead:"

	// Sequence key and lease bandwidth
	seqKey       = "seq:ops"
	seqBandwidth = 128
)

// QueuedOperation is a pending write operation awaiting delivery
type QueuedOperation struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// DrainStats summarizes one drain pass over the queue
type DrainStats struct {
	Processed  int
	Delivered  int
	Failed     int
	DeadLetter int
}

// Queue is a durable FIFO queue of pending operations backed by Badger.
// Operations are removed only after their handler succeeds; failed ones stay
// in place for the next drain (at-least-once delivery).
type Queue struct {
	db          *badger.DB
	seq         *badger.Sequence
	maxAttempts int
	mu          sync.Mutex
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewQueue opens (or creates) the queue database in the given directory.
// maxAttempts bounds redelivery: an operation failing that many times is
// moved to the dead-letter prefix instead of being retried forever.
func NewQueue(dataDir string, maxAttempts int) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	logger := logging.Component("queue")

	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}

	q := &Queue{
		db:          db,
		seq:         seq,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     metrics.GetMetrics(),
	}

	depth, err := q.Len()
	if err != nil {
		seq.Release()
		db.Close()
		return nil, err
	}
	q.metrics.QueueDepth.Set(float64(depth))
	if depth > 0 {
		logger.Info().Int("pending", depth).Msg("Reopened queue with pending operations")
	}

	return q, nil
}

// opKey builds the FIFO key for a sequence number. Big-endian keeps Badger's
// lexicographic iteration in enqueue order.
func opKey(seq uint64) []byte {
	key := make([]byte, len(prefixOps)+8)
	copy(key, prefixOps)
	binary.BigEndian.PutUint64(key[len(prefixOps):], seq)
	return key
}

// Enqueue appends an operation to the queue
func (q *Queue) Enqueue(ctx context.Context, opType string, payload json.RawMessage) (*QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to advance queue sequence: %w", err)
	}

	op := &QueuedOperation{
		ID:         uuid.NewString(),
		Type:       opType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(seq), data)
	})
	if err != nil {
		q.metrics.QueueOperations.WithLabelValues("enqueue", "error").Inc()
		return nil, fmt.Errorf("failed to persist operation: %w", err)
	}

	q.metrics.QueueOperations.WithLabelValues("enqueue", "ok").Inc()
	q.metrics.QueueDepth.Inc()
	q.logger.Debug().Str("op_id", op.ID).Str("op_type", opType).Msg("Operation enqueued")

	return op, nil
}

// Drain iterates the queue in FIFO order, invoking the handler for each
// operation. Operations whose handler returns nil are removed; failed ones
// stay with an incremented attempt count, except those that have exhausted
// maxAttempts, which move to the dead-letter prefix.
func (q *Queue) Drain(ctx context.Context, handler func(context.Context, *QueuedOperation) error) (DrainStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats DrainStats

	type pendingOp struct {
		key []byte
		op  *QueuedOperation
	}
	var pending []pendingOp

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefixOps),
			PrefetchValues: true,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			op := &QueuedOperation{}
			if err := json.Unmarshal(data, op); err != nil {
				return fmt.Errorf("corrupt queue entry %q: %w", item.Key(), err)
			}
			pending = append(pending, pendingOp{key: item.KeyCopy(nil), op: op})
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to read queue: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.Processed++
		handleErr := handler(ctx, p.op)

		if handleErr == nil {
			err := q.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(p.key)
			})
			if err != nil {
				return stats, fmt.Errorf("failed to remove delivered operation: %w", err)
			}
			stats.Delivered++
			q.metrics.QueueOperations.WithLabelValues("drain", "delivered").Inc()
			q.metrics.QueueDepth.Dec()
			continue
		}

		stats.Failed++
		p.op.Attempts++
		q.logger.Warn().
			Err(handleErr).
			Str("op_id", p.op.ID).
			Str("op_type", p.op.Type).
			Int("attempts", p.op.Attempts).
			Msg("Operation handler failed, leaving in queue")

		if q.maxAttempts > 0 && p.op.Attempts >= q.maxAttempts {
			if err := q.deadLetter(p.key, p.op); err != nil {
				return stats, err
			}
			stats.DeadLetter++
			q.metrics.QueueOperations.WithLabelValues("drain", "dead_letter").Inc()
			q.metrics.QueueDepth.Dec()
			continue
		}

		data, err := json.Marshal(p.op)
		if err != nil {
			return stats, fmt.Errorf("failed to encode operation: %w", err)
		}
		err = q.db.Update(func(txn *badger.Txn) error {
			return txn.Set(p.key, data)
		})
		if err != nil {
			return stats, fmt.Errorf("failed to update operation attempts: %w", err)
		}
		q.metrics.QueueOperations.WithLabelValues("drain", "retained").Inc()
	}

	return stats, nil
}

// deadLetter moves an exhausted operation out of the FIFO prefix
func (q *Queue) deadLetter(key []byte, op *QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode dead-lettered operation: %w", err)
	}

	deadKey := append([]byte(prefixDead), key[len(prefixOps):]...)
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(deadKey, data); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter operation: %w", err)
	}

	q.logger.Error().
		Str("op_id", op.ID).
		Str("op_type", op.Type).
		Int("attempts", op.Attempts).
		Msg("Operation exhausted retry attempts, moved to dead letter")
	return nil
}

// Len returns the number of pending operations
func (q *Queue) Len() (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefixOps),
			PrefetchValues: false,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return count, nil
}

// DeadLetters returns operations that exhausted their retry attempts
func (q *Queue) DeadLetters() ([]*QueuedOperation, error) {
	var ops []*QueuedOperation
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefixDead),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			op := &QueuedOperation{}
			if err := json.Unmarshal(data, op); err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return ops, nil
}

// Close releases the sequence lease and closes the database
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.seq.Release(); err != nil {
		q.logger.Error().Err(err).Msg("Failed to release queue sequence")
	}
	return q.db.Close()
}
