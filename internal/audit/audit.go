// Package audit persists terminal deletion reports so a subject can prove,
// after the fact, what was erased and where it was anchored.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
	"github.com/expungio/expunge/internal/workflow"
)

// ErrNotFound is returned when a subject has no recorded reports
var ErrNotFound = errors.New("audit: no reports recorded for subject")

const (
	prefixReport = "report:"
	seqKey       = "seq:reports"
	seqBandwidth = 128
)

// Config contains audit store configuration
type Config struct {
	// Directory for the audit database
	DataDir string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir: "./data/audit",
	}
}

// Store is an append-only, Badger-backed log of terminal deletion reports
type Store struct {
	db      *badger.DB
	seq     *badger.Sequence
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStore opens (or creates) the audit database in the given directory
func NewStore(config Config) (*Store, error) {
	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	opts := badger.DefaultOptions(config.DataDir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audit sequence: %w", err)
	}

	return &Store{
		db:      db,
		seq:     seq,
		logger:  logging.Component("audit"),
		metrics: metrics.GetMetrics(),
	}, nil
}

// reportKey scopes reports per subject and keeps them in recording order.
// Big-endian sequence numbers make lexicographic iteration chronological.
func reportKey(userDID string, seq uint64) []byte {
	key := make([]byte, 0, len(prefixReport)+len(userDID)+9)
	key = append(key, prefixReport...)
	key = append(key, userDID...)
	key = append(key, ':')
	return binary.BigEndian.AppendUint64(key, seq)
}

func subjectPrefix(userDID string) []byte {
	return []byte(prefixReport + userDID + ":")
}

// Record appends a terminal deletion report for its subject
func (s *Store) Record(ctx context.Context, result *workflow.DeletionResult) error {
	if result == nil {
		return errors.New("audit: nil result")
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to advance audit sequence: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(result.UserDID, seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}

	s.metrics.AuditRecordsTotal.Inc()
	s.logger.Info().
		Str("request_id", result.RequestID).
		Str("user_did", result.UserDID).
		Str("stage", string(result.Stage)).
		Msg("Deletion report recorded")

	return nil
}

// Latest returns the most recently recorded report for a subject
func (s *Store) Latest(ctx context.Context, userDID string) (*workflow.DeletionResult, error) {
	var result *workflow.DeletionResult

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := subjectPrefix(userDID)
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:  prefix,
			Reverse: true,
		})
		defer it.Close()

		// Reverse iteration seeks to the key just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}

		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		result = &workflow.DeletionResult{}
		return json.Unmarshal(data, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List returns every recorded report for a subject, oldest first
func (s *Store) List(ctx context.Context, userDID string) ([]*workflow.DeletionResult, error) {
	var results []*workflow.DeletionResult

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := subjectPrefix(userDID)
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			result := &workflow.DeletionResult{}
			if err := json.Unmarshal(data, result); err != nil {
				return fmt.Errorf("corrupt audit entry %q: %w", it.Item().Key(), err)
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return results, nil
}

// Close releases the sequence lease and closes the database
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to release audit sequence")
	}
	return s.db.Close()
}
