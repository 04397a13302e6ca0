// Package workflow drives a subject's erase-everything request through an
// ordered set of stages, each delegating to an external collaborator, while
// emitting progress events and tolerating partial failure.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/expungio/expunge/internal/identity"
	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
	"github.com/expungio/expunge/internal/resilience"
	"github.com/expungio/expunge/internal/telemetry"
	"github.com/expungio/expunge/pkg/events"
)

// Publisher fans a typed event out to every subscriber of a subject
type Publisher interface {
	Publish(userDID string, env *events.Envelope)
}

// AuditStore persists terminal deletion reports
type AuditStore interface {
	Record(ctx context.Context, result *DeletionResult) error
	Latest(ctx context.Context, userDID string) (*DeletionResult, error)
}

// OpConfirmAnchor is the queued-operation type for deferred anchor
// confirmation checks.
const OpConfirmAnchor = "confirm_anchor"

// ConfirmAnchorOp is the payload of an OpConfirmAnchor queue entry
type ConfirmAnchorOp struct {
	UserDID       string `json:"user_did"`
	RequestID     string `json:"request_id"`
	ProofHash     string `json:"proof_hash"`
	TransactionID string `json:"transaction_id"`
}

// Config contains orchestrator configuration
type Config struct {
	// Interval between confirmation poll attempts
	PollInterval time.Duration

	// Wall-clock budget for confirming one anchor transaction
	ConfirmTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		ConfirmTimeout: 45 * time.Second,
	}
}

// Collaborators bundles the external endpoints a workflow run delegates to
type Collaborators struct {
	Deleter   StorageDeleter
	Prover    ProofGenerator
	Submitter LedgerSubmitter
	Indexer   LedgerIndexer
}

// Orchestrator executes deletion workflows, one in flight per subject
type Orchestrator struct {
	config     Config
	collab     Collaborators
	publisher  Publisher
	resilience *resilience.Layer
	audit      AuditStore

	requests map[string]*Request
	inflight map[string]string // userDID -> request ID
	mu       sync.Mutex

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewOrchestrator creates a new deletion workflow orchestrator. The audit
// store may be nil, in which case terminal reports are not persisted.
func NewOrchestrator(config Config, collab Collaborators, publisher Publisher, layer *resilience.Layer, audit AuditStore) *Orchestrator {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}

	return &Orchestrator{
		config:     config,
		collab:     collab,
		publisher:  publisher,
		resilience: layer,
		audit:      audit,
		requests:   make(map[string]*Request),
		inflight:   make(map[string]string),
		logger:     logging.Component("workflow"),
		metrics:    metrics.GetMetrics(),
	}
}

// Get returns a snapshot of a request by ID
func (o *Orchestrator) Get(requestID string) (Snapshot, bool) {
	o.mu.Lock()
	req, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return req.Snapshot(), true
}

// StartDeletion runs the full deletion workflow for a subject, blocking until
// a terminal state is reached. Progress is delivered out-of-band through the
// publisher so every subscriber observes it, not only the caller. At most one
// workflow per subject runs at a time.
func (o *Orchestrator) StartDeletion(ctx context.Context, userDID string) (*DeletionResult, error) {
	req, err := o.begin(userDID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, req)
}

// StartDeletionAsync begins a workflow and returns its request ID without
// waiting for it to finish. Progress and the terminal outcome reach the
// subject's subscribers through the publisher.
func (o *Orchestrator) StartDeletionAsync(userDID string) (string, error) {
	req, err := o.begin(userDID)
	if err != nil {
		return "", err
	}

	go func() {
		// Detached from the caller's request lifetime on purpose.
		if _, err := o.run(context.Background(), req); err != nil {
			o.logger.Debug().Err(err).Str("request_id", req.ID).Msg("Async deletion finished with error")
		}
	}()

	return req.ID, nil
}

// begin validates the subject and claims its single workflow slot
func (o *Orchestrator) begin(userDID string) (*Request, error) {
	if err := identity.Validate(userDID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if running, ok := o.inflight[userDID]; ok {
		return nil, fmt.Errorf("%w: request %s", ErrAlreadyRunning, running)
	}
	req := newRequest(uuid.NewString(), userDID)
	o.inflight[userDID] = req.ID
	o.requests[req.ID] = req
	return req, nil
}

func (o *Orchestrator) run(ctx context.Context, req *Request) (*DeletionResult, error) {
	userDID := req.UserDID

	defer func() {
		o.mu.Lock()
		delete(o.inflight, userDID)
		o.mu.Unlock()
	}()

	o.metrics.WorkflowActive.Inc()
	defer o.metrics.WorkflowActive.Dec()

	ctx, span := telemetry.StartSpan(ctx, "workflow.deletion")
	defer span.End()

	o.logger.Info().
		Str("request_id", req.ID).
		Str("user_did", userDID).
		Msg("Starting deletion workflow")

	result := &DeletionResult{
		RequestID: req.ID,
		UserDID:   userDID,
		StartedAt: req.CreatedAt,
	}

	// Stage: deleting. A failure here is fatal; a half-deleted, unproven
	// state is unsafe to continue from.
	o.publishProgress(req, StageDeleting, 10, "Deleting stored records")
	stageStart := time.Now()
	report, err := o.collab.Deleter.Delete(ctx, userDID)
	o.metrics.WorkflowStageDuration.WithLabelValues(string(StageDeleting)).Observe(time.Since(stageStart).Seconds())
	if err != nil {
		telemetry.RecordError(span, err)
		return o.fail(ctx, req, result, StageDeleting, err)
	}

	result.DeletedCount = report.DeletedCount
	req.setRecords(report.DeletedCount, 0)
	o.metrics.WorkflowRecordsDeleted.Add(float64(report.DeletedCount))
	o.publishProgress(req, StageDeleting, 33, "Stored records deleted")

	// Stage: generating proofs. Also fatal on error, same reasoning.
	o.publishProgress(req, StageGeneratingProofs, 40, "Generating deletion proofs")
	stageStart = time.Now()
	for i, cert := range report.Certificates {
		proofHash, err := o.collab.Prover.GenerateProof(ctx, cert)
		if err != nil {
			o.metrics.WorkflowStageDuration.WithLabelValues(string(StageGeneratingProofs)).Observe(time.Since(stageStart).Seconds())
			telemetry.RecordError(span, err)
			return o.fail(ctx, req, result, StageGeneratingProofs, err)
		}

		result.ProofHashes = append(result.ProofHashes, proofHash)
		req.setRecords(report.DeletedCount, i+1)

		o.publisher.Publish(userDID, events.DataStatus(userDID, &events.DataStatusData{
			Status:          "proof_generated",
			CommitmentHash:  proofHash,
			DataType:        cert.DataType,
			ServiceProvider: cert.ServiceProvider,
		}))

		progress := 40 + (i+1)*26/len(report.Certificates)
		o.publishProgress(req, StageGeneratingProofs, progress, "Generating deletion proofs")
	}
	o.metrics.WorkflowStageDuration.WithLabelValues(string(StageGeneratingProofs)).Observe(time.Since(stageStart).Seconds())

	// Stage: submitting to the ledger. The ledger is asynchronous, so a
	// failed submission marks that sub-step failed without aborting siblings.
	o.publishProgress(req, StageSubmitting, 70, "Anchoring proofs on ledger")
	stageStart = time.Now()
	result.Anchors = make([]Anchor, len(result.ProofHashes))
	for i, proofHash := range result.ProofHashes {
		result.Anchors[i] = Anchor{ProofHash: proofHash}

		txID, err := o.collab.Submitter.Submit(ctx, proofHash)
		if err != nil {
			result.Anchors[i].Error = err.Error()
			o.logger.Warn().
				Err(err).
				Str("request_id", req.ID).
				Str("proof_hash", proofHash).
				Msg("Ledger submission failed")
			continue
		}
		result.Anchors[i].TransactionID = txID
	}
	o.metrics.WorkflowStageDuration.WithLabelValues(string(StageSubmitting)).Observe(time.Since(stageStart).Seconds())

	// Stage: awaiting confirmation. Each tracked transaction is polled and
	// resolved independently; the request only advances once all sub-steps
	// have individually resolved.
	o.publishProgress(req, StageAwaitingConfirmation, 80, "Awaiting ledger confirmation")
	stageStart = time.Now()
	o.awaitConfirmations(ctx, req, result)
	o.metrics.WorkflowStageDuration.WithLabelValues(string(StageAwaitingConfirmation)).Observe(time.Since(stageStart).Seconds())
	o.publishProgress(req, StageAwaitingConfirmation, 90, "Ledger confirmation resolved")

	failed := 0
	for _, anchor := range result.Anchors {
		if !anchor.Confirmed {
			failed++
		}
	}

	if failed > 0 {
		err := fmt.Errorf("%d of %d anchors unresolved", failed, len(result.Anchors))
		telemetry.RecordError(span, err)
		return o.fail(ctx, req, result, StageAwaitingConfirmation, err)
	}

	result.Stage = StageComplete
	result.FinishedAt = time.Now().UTC()
	req.finish(result)
	o.publishProgress(req, StageComplete, 100, "Deletion complete")
	o.metrics.WorkflowRequestsTotal.WithLabelValues("complete").Inc()
	o.persist(ctx, result)

	o.logger.Info().
		Str("request_id", req.ID).
		Str("user_did", userDID).
		Int("deleted", result.DeletedCount).
		Int("anchors", len(result.Anchors)).
		Msg("Deletion workflow complete")

	return result, nil
}

// awaitConfirmations polls the ledger indexer for every submitted anchor
// until it confirms or the wall-clock budget is exhausted. Anchors whose
// submission already failed are left as they are.
func (o *Orchestrator) awaitConfirmations(ctx context.Context, req *Request, result *DeletionResult) {
	var wg sync.WaitGroup

	for i := range result.Anchors {
		if result.Anchors[i].TransactionID == "" {
			continue
		}

		wg.Add(1)
		go func(anchor *Anchor) {
			defer wg.Done()
			o.pollAnchor(ctx, req, anchor)
		}(&result.Anchors[i])
	}

	wg.Wait()
}

// pollAnchor resolves one anchor transaction: confirmed, failed at the
// ledger, or timed out. A timeout queues a deferred confirmation check so a
// slow ledger does not lose the anchor entirely.
func (o *Orchestrator) pollAnchor(ctx context.Context, req *Request, anchor *Anchor) {
	deadline := time.Now().Add(o.config.ConfirmTimeout)
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := o.collab.Indexer.Status(ctx, anchor.TransactionID)
		if err != nil {
			o.logger.Warn().
				Err(err).
				Str("transaction_id", anchor.TransactionID).
				Msg("Indexer poll failed")
		} else {
			switch status.Status {
			case TxConfirmed:
				anchor.Confirmed = true
				anchor.BlockNumber = status.BlockNumber
				o.publisher.Publish(req.UserDID, events.DataStatus(req.UserDID, &events.DataStatusData{
					Status:          "anchored",
					CommitmentHash:  anchor.ProofHash,
					TransactionHash: anchor.TransactionID,
				}))
				return
			case TxFailed:
				anchor.Error = "transaction failed on ledger"
				return
			}
		}

		if time.Now().After(deadline) {
			anchor.Error = ErrConfirmationTimeout.Error()
			o.metrics.ConfirmationTimeoutsTotal.Inc()
			o.enqueueConfirmRetry(ctx, req, anchor)
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			anchor.Error = ctx.Err().Error()
			return
		}
	}
}

// enqueueConfirmRetry defers a timed-out confirmation check to the durable
// retry queue.
func (o *Orchestrator) enqueueConfirmRetry(ctx context.Context, req *Request, anchor *Anchor) {
	if o.resilience == nil {
		return
	}

	payload, err := json.Marshal(ConfirmAnchorOp{
		UserDID:       req.UserDID,
		RequestID:     req.ID,
		ProofHash:     anchor.ProofHash,
		TransactionID: anchor.TransactionID,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to encode confirmation retry")
		return
	}

	if _, err := o.resilience.Queue().Enqueue(ctx, OpConfirmAnchor, payload); err != nil {
		o.logger.Error().
			Err(err).
			Str("transaction_id", anchor.TransactionID).
			Msg("Failed to queue confirmation retry")
	}
}

// HandleQueuedOperation processes one operation from the retry queue. A
// non-nil return leaves the operation in place for the next drain.
func (o *Orchestrator) HandleQueuedOperation(ctx context.Context, op *resilience.QueuedOperation) error {
	switch op.Type {
	case OpConfirmAnchor:
		var confirm ConfirmAnchorOp
		if err := json.Unmarshal(op.Payload, &confirm); err != nil {
			return fmt.Errorf("malformed %s payload: %w", op.Type, err)
		}

		status, err := o.collab.Indexer.Status(ctx, confirm.TransactionID)
		if err != nil {
			return err
		}

		switch status.Status {
		case TxConfirmed:
			o.publisher.Publish(confirm.UserDID, events.DataStatus(confirm.UserDID, &events.DataStatusData{
				Status:          "anchored",
				CommitmentHash:  confirm.ProofHash,
				TransactionHash: confirm.TransactionID,
			}))
			return nil
		case TxFailed:
			// Terminal at the ledger; retrying cannot change the outcome.
			o.logger.Warn().
				Str("transaction_id", confirm.TransactionID).
				Msg("Deferred anchor confirmation found transaction failed")
			return nil
		default:
			return fmt.Errorf("transaction %s still pending", confirm.TransactionID)
		}

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// LatestReport returns the most recent terminal report for a subject,
// serving from cache when the audit store is unreachable.
func (o *Orchestrator) LatestReport(ctx context.Context, userDID string) (*DeletionResult, error) {
	if o.resilience == nil {
		if o.audit == nil {
			return nil, fmt.Errorf("no audit store configured")
		}
		return o.audit.Latest(ctx, userDID)
	}

	data, err := o.resilience.GetOrFetch(ctx, reportCacheKey(userDID), 0, func(ctx context.Context) ([]byte, error) {
		if o.audit == nil {
			return nil, fmt.Errorf("no audit store configured")
		}
		result, err := o.audit.Latest(ctx, userDID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, err
	}

	result := &DeletionResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, fmt.Errorf("corrupt cached report: %w", err)
	}
	return result, nil
}

// fail records the terminal failed outcome, publishes it so every subscriber
// learns of it, and returns the partial result alongside the staged error.
func (o *Orchestrator) fail(ctx context.Context, req *Request, result *DeletionResult, stage Stage, cause error) (*DeletionResult, error) {
	wfErr := &Error{Stage: stage, Err: cause}

	result.Stage = StageFailed
	result.Reason = wfErr.Error()
	result.FinishedAt = time.Now().UTC()
	req.finish(result)

	req.advance(StageFailed, 0, "Deletion failed")
	snap := req.Snapshot()
	o.publisher.Publish(req.UserDID, events.DeletionProgress(req.UserDID, &events.DeletionProgressData{
		TotalRecords:     snap.TotalRecords,
		ProcessedRecords: snap.ProcessedRecords,
		Progress:         snap.Progress,
		CurrentStep:      "Deletion failed",
		Status:           string(StageFailed),
	}))

	o.metrics.WorkflowRequestsTotal.WithLabelValues("failed").Inc()
	o.persist(ctx, result)

	o.logger.Error().
		Err(cause).
		Str("request_id", req.ID).
		Str("user_did", req.UserDID).
		Str("stage", string(stage)).
		Msg("Deletion workflow failed")

	return result, wfErr
}

// publishProgress advances the request and broadcasts the change. A call
// that moves nothing observable (the clamped percentage, stage and step all
// unchanged) publishes nothing.
func (o *Orchestrator) publishProgress(req *Request, stage Stage, progress int, step string) {
	st, p, changed := req.advance(stage, progress, step)
	if !changed {
		return
	}
	snap := req.Snapshot()

	o.publisher.Publish(req.UserDID, events.DeletionProgress(req.UserDID, &events.DeletionProgressData{
		TotalRecords:     snap.TotalRecords,
		ProcessedRecords: snap.ProcessedRecords,
		Progress:         p,
		CurrentStep:      step,
		Status:           string(st),
	}))
}

// persist caches the terminal report and writes it to the audit store
func (o *Orchestrator) persist(ctx context.Context, result *DeletionResult) {
	if o.resilience != nil {
		if data, err := json.Marshal(result); err == nil {
			o.resilience.Cache().Set(reportCacheKey(result.UserDID), data, 0)
		}
	}

	if o.audit == nil {
		return
	}
	if err := o.audit.Record(ctx, result); err != nil {
		o.logger.Error().
			Err(err).
			Str("request_id", result.RequestID).
			Msg("Failed to persist deletion report")
	}
}

func reportCacheKey(userDID string) string {
	return "deletion_report:" + userDID
}
