package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Stage enumerates the strictly forward-only states of a deletion request
type Stage string

const (
	StagePending              Stage = "pending"
	StageDeleting             Stage = "deleting"
	StageGeneratingProofs     Stage = "generating_proofs"
	StageSubmitting           Stage = "submitting_blockchain"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageComplete             Stage = "complete"
	StageFailed               Stage = "failed"
)

// ErrConfirmationTimeout marks an anchor transaction that did not confirm
// within the polling budget.
var ErrConfirmationTimeout = errors.New("workflow: confirmation timeout")

// ErrAlreadyRunning is returned when a deletion is started for a subject
// that already has a workflow in flight.
var ErrAlreadyRunning = errors.New("workflow: deletion already in flight for subject")

// Error wraps a collaborator failure with the stage at which it occurred
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workflow: stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Anchor tracks one proof hash through ledger submission and confirmation
type Anchor struct {
	ProofHash     string `json:"proof_hash"`
	TransactionID string `json:"transaction_id,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Confirmed     bool   `json:"confirmed"`
	Error         string `json:"error,omitempty"`
}

// DeletionResult is the terminal report of one deletion workflow. On failure
// it still carries every sub-step result produced before the failure.
type DeletionResult struct {
	RequestID    string    `json:"request_id"`
	UserDID      string    `json:"user_did"`
	DeletedCount int       `json:"deleted_count"`
	ProofHashes  []string  `json:"proof_hashes,omitempty"`
	Anchors      []Anchor  `json:"anchors,omitempty"`
	Stage        Stage     `json:"stage"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Succeeded reports whether the workflow reached the complete state
func (r *DeletionResult) Succeeded() bool {
	return r.Stage == StageComplete
}

// Request represents one in-flight erase operation for a subject, mutated
// only by the orchestrator driving it.
type Request struct {
	ID        string
	UserDID   string
	CreatedAt time.Time

	mu               sync.Mutex
	stage            Stage
	progress         int
	currentStep      string
	totalRecords     int
	processedRecords int
	result           *DeletionResult
}

// Snapshot is a point-in-time copy of a request's observable state
type Snapshot struct {
	ID               string          `json:"id"`
	UserDID          string          `json:"user_did"`
	CreatedAt        time.Time       `json:"created_at"`
	Stage            Stage           `json:"stage"`
	Progress         int             `json:"progress"`
	CurrentStep      string          `json:"current_step"`
	TotalRecords     int             `json:"total_records"`
	ProcessedRecords int             `json:"processed_records"`
	Result           *DeletionResult `json:"result,omitempty"`
}

func newRequest(id, userDID string) *Request {
	return &Request{
		ID:        id,
		UserDID:   userDID,
		CreatedAt: time.Now().UTC(),
		stage:     StagePending,
	}
}

// advance moves the request forward. Progress is clamped monotonically
// non-decreasing within one request; the returned flag reports whether any
// observable field actually changed.
func (r *Request) advance(stage Stage, progress int, step string) (Stage, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := stage != r.stage || step != r.currentStep
	r.stage = stage
	if progress > r.progress {
		r.progress = progress
		changed = true
	}
	r.currentStep = step
	return r.stage, r.progress, changed
}

func (r *Request) setRecords(total, processed int) {
	r.mu.Lock()
	r.totalRecords = total
	r.processedRecords = processed
	r.mu.Unlock()
}

func (r *Request) finish(result *DeletionResult) {
	r.mu.Lock()
	r.result = result
	r.mu.Unlock()
}

// Snapshot returns a copy of the request's current state
func (r *Request) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		ID:               r.ID,
		UserDID:          r.UserDID,
		CreatedAt:        r.CreatedAt,
		Stage:            r.stage,
		Progress:         r.progress,
		CurrentStep:      r.currentStep,
		TotalRecords:     r.totalRecords,
		ProcessedRecords: r.processedRecords,
		Result:           r.result,
	}
}
