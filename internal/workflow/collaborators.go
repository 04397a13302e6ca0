package workflow

import (
	"context"
	"time"
)

// Certificate is the storage collaborator's attestation for one removed
// record, usable as proof-generation input.
type Certificate struct {
	RecordID        string    `json:"record_id"`
	DataType        string    `json:"data_type"`
	ServiceProvider string    `json:"service_provider"`
	ContentHash     string    `json:"content_hash"`
	Signature       string    `json:"signature"`
	IssuedAt        time.Time `json:"issued_at"`
}

// DeletionReport is the storage collaborator's result for one subject
type DeletionReport struct {
	DeletedCount int           `json:"deleted_count"`
	Certificates []Certificate `json:"certificates"`
}

// TxStatus is the ledger indexer's view of a submitted transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxStatusResult carries the indexer's answer for one transaction
type TxStatusResult struct {
	Status      TxStatus `json:"status"`
	BlockNumber uint64   `json:"block_number,omitempty"`
}

// StorageDeleter removes a subject's records at the off-system storage
// endpoint and returns per-record deletion certificates.
type StorageDeleter interface {
	Delete(ctx context.Context, userDID string) (*DeletionReport, error)
}

// ProofGenerator produces an opaque cryptographic proof hash for one
// deletion certificate.
type ProofGenerator interface {
	GenerateProof(ctx context.Context, cert Certificate) (string, error)
}

// LedgerSubmitter signs and broadcasts a transaction anchoring a proof hash
// on the external ledger.
type LedgerSubmitter interface {
	Submit(ctx context.Context, proofHash string) (string, error)
}

// LedgerIndexer reports the confirmation status of a submitted transaction
type LedgerIndexer interface {
	Status(ctx context.Context, transactionID string) (*TxStatusResult, error)
}
