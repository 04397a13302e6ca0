package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RemoteConfig contains the endpoints of the external deletion services
type RemoteConfig struct {
	// Base URL of the storage service holding the subject's records
	StorageURL string

	// Base URL of the proof generation service
	ProverURL string

	// Base URL of the ledger gateway accepting proof submissions
	LedgerURL string

	// Base URL of the ledger indexer answering transaction status queries
	IndexerURL string

	// Per-call HTTP timeout
	Timeout time.Duration
}

// RemoteCollaborators builds HTTP-backed implementations of the four
// collaborator interfaces against the configured services.
func RemoteCollaborators(config RemoteConfig) Collaborators {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: config.Timeout}

	return Collaborators{
		Deleter:   &remoteDeleter{baseURL: config.StorageURL, client: client},
		Prover:    &remoteProver{baseURL: config.ProverURL, client: client},
		Submitter: &remoteSubmitter{baseURL: config.LedgerURL, client: client},
		Indexer:   &remoteIndexer{baseURL: config.IndexerURL, client: client},
	}
}

// HealthProbe returns a reachability check against the storage service,
// suitable for driving the resilience layer's connectivity flag. Any HTTP
// response counts as reachable; only transport-level failures report the
// upstream as down.
func HealthProbe(config RemoteConfig) func(context.Context) error {
	timeout := config.Timeout
	if timeout == 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	endpoint := config.StorageURL + "/health"

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, payload)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type remoteDeleter struct {
	baseURL string
	client  *http.Client
}

func (d *remoteDeleter) Delete(ctx context.Context, userDID string) (*DeletionReport, error) {
	report := &DeletionReport{}
	err := postJSON(ctx, d.client, d.baseURL+"/erase", map[string]string{"userDID": userDID}, report)
	if err != nil {
		return nil, fmt.Errorf("storage deletion failed: %w", err)
	}
	return report, nil
}

type remoteProver struct {
	baseURL string
	client  *http.Client
}

func (p *remoteProver) GenerateProof(ctx context.Context, cert Certificate) (string, error) {
	var resp struct {
		ProofHash string `json:"proofHash"`
	}
	if err := postJSON(ctx, p.client, p.baseURL+"/proofs", cert, &resp); err != nil {
		return "", fmt.Errorf("proof generation failed: %w", err)
	}
	if resp.ProofHash == "" {
		return "", fmt.Errorf("prover returned empty proof hash for record %s", cert.RecordID)
	}
	return resp.ProofHash, nil
}

type remoteSubmitter struct {
	baseURL string
	client  *http.Client
}

func (s *remoteSubmitter) Submit(ctx context.Context, proofHash string) (string, error) {
	var resp struct {
		TransactionID string `json:"transactionId"`
	}
	err := postJSON(ctx, s.client, s.baseURL+"/transactions", map[string]string{"proofHash": proofHash}, &resp)
	if err != nil {
		return "", fmt.Errorf("ledger submission failed: %w", err)
	}
	if resp.TransactionID == "" {
		return "", fmt.Errorf("ledger returned empty transaction id")
	}
	return resp.TransactionID, nil
}

type remoteIndexer struct {
	baseURL string
	client  *http.Client
}

func (i *remoteIndexer) Status(ctx context.Context, transactionID string) (*TxStatusResult, error) {
	var resp struct {
		Status      string `json:"status"`
		BlockNumber uint64 `json:"blockNumber"`
	}
	endpoint := i.baseURL + "/transactions/" + url.PathEscape(transactionID)
	if err := getJSON(ctx, i.client, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("indexer query failed: %w", err)
	}

	result := &TxStatusResult{BlockNumber: resp.BlockNumber}
	switch resp.Status {
	case "confirmed":
		result.Status = TxConfirmed
	case "failed":
		result.Status = TxFailed
	default:
		result.Status = TxPending
	}
	return result, nil
}
