package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expungio/expunge/internal/config"
	"github.com/expungio/expunge/internal/workflow"
)

type noopDeleter struct{}

func (noopDeleter) Delete(ctx context.Context, userDID string) (*workflow.DeletionReport, error) {
	return &workflow.DeletionReport{}, nil
}

type noopProver struct{}

func (noopProver) GenerateProof(ctx context.Context, cert workflow.Certificate) (string, error) {
	return "proof", nil
}

type noopSubmitter struct{}

func (noopSubmitter) Submit(ctx context.Context, proofHash string) (string, error) {
	return "tx", nil
}

type noopIndexer struct{}

func (noopIndexer) Status(ctx context.Context, transactionID string) (*workflow.TxStatusResult, error) {
	return &workflow.TxStatusResult{Status: workflow.TxConfirmed}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Resilience.DataDir = filepath.Join(dir, "queue")
	cfg.Audit.DataDir = filepath.Join(dir, "audit")
	return cfg
}

func TestCreateEngineWiresComponents(t *testing.T) {
	collab := workflow.Collaborators{
		Deleter:   noopDeleter{},
		Prover:    noopProver{},
		Submitter: noopSubmitter{},
		Indexer:   noopIndexer{},
	}

	eng, err := CreateEngine(testConfig(t), &collab)
	require.NoError(t, err)

	assert.NotNil(t, eng.hub)
	assert.NotNil(t, eng.transport)
	assert.NotNil(t, eng.orchestrator)
	assert.NotNil(t, eng.resilience)
	assert.NotNil(t, eng.audit)
	assert.NotNil(t, eng.api)
	assert.NotNil(t, eng.healthProbe)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))
}

func TestCreateEngineAuditDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = false

	eng, err := CreateEngine(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, eng.audit)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))
}
