package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNodeUnavailable wraps transport-level failures talking to the node.
var ErrNodeUnavailable = errors.New("ledger: node unavailable")

// EntryFunctionPayload names the on-chain function to invoke and its
// arguments, serialized the way the node expects.
type EntryFunctionPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []string `json:"arguments"`
}

// Envelope is the unsigned transaction body sent to the encode endpoint.
// Numeric fields ride as decimal strings per the node's JSON conventions.
type Envelope struct {
	Sender                  string               `json:"sender"`
	SequenceNumber          string               `json:"sequence_number"`
	MaxGasAmount            string               `json:"max_gas_amount"`
	GasUnitPrice            string               `json:"gas_unit_price"`
	ExpirationTimestampSecs string               `json:"expiration_timestamp_secs"`
	Payload                 EntryFunctionPayload `json:"payload"`
}

// EnvelopeSignature is attached to the envelope before submission.
type EnvelopeSignature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// SignedEnvelope is the submission body.
type SignedEnvelope struct {
	Envelope
	Signature EnvelopeSignature `json:"signature"`
}

// TxStatus is the node's view of a submitted transaction.
type TxStatus struct {
	// Pending is true while the node has no success/failure verdict yet.
	Pending  bool
	Success  bool
	VMStatus string
}

// Client is a thin HTTP client for the ledger node's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient constructs a node client. The /v1 suffix is appended when absent.
func NewClient(nodeURL, apiKey string) *Client {
	url := nodeURL
	if i := strings.Index(url, "?"); i >= 0 {
		url = url[:i]
	}
	url = strings.TrimSuffix(url, "/")
	if !strings.HasSuffix(url, "/v1") {
		url += "/v1"
	}
	return &Client{
		baseURL: url,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SequenceNumber fetches the account's current sequence number.
func (c *Client) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	body, err := c.get(ctx, "/accounts/"+address)
	if err != nil {
		return 0, err
	}

	var account struct {
		SequenceNumber string `json:"sequence_number"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return 0, fmt.Errorf("ledger: decode account: %w", err)
	}
	if account.SequenceNumber == "" {
		return 0, fmt.Errorf("ledger: account response missing sequence_number: %s", truncate(body))
	}

	seq, err := strconv.ParseUint(account.SequenceNumber, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: parse sequence_number %q: %w", account.SequenceNumber, err)
	}
	return seq, nil
}

// EncodeSubmission asks the node for the canonical signing payload of an
// unsigned envelope. The node replies with a bare JSON string; older builds
// wrap it in an object.
func (c *Client) EncodeSubmission(ctx context.Context, env Envelope) (string, error) {
	body, err := c.post(ctx, "/transactions/encode_submission", env)
	if err != nil {
		return "", err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 1 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("ledger: decode signing payload: %w", err)
		}
		return s, nil
	}

	var wrapped struct {
		Encoded string `json:"encoded"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return "", fmt.Errorf("ledger: decode encode_submission response: %w", err)
	}
	if wrapped.Encoded != "" {
		return wrapped.Encoded, nil
	}
	if wrapped.Message != "" {
		return "", fmt.Errorf("ledger: encode_submission rejected: %s", wrapped.Message)
	}
	return string(trimmed), nil
}

// Submit posts the signed envelope and returns the transaction hash. A
// non-2xx status or a missing hash is a hard failure: the sequence number is
// spent, so the caller must not blindly retry.
func (c *Client) Submit(ctx context.Context, env SignedEnvelope) (string, error) {
	body, err := c.post(ctx, "/transactions", env)
	if err != nil {
		return "", err
	}

	var result struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("ledger: decode submission response: %w", err)
	}
	if result.Hash == "" {
		return "", fmt.Errorf("ledger: submission response missing hash: %s", truncate(body))
	}
	return result.Hash, nil
}

// TransactionByHash reports the status of a submitted transaction. A 404 or
// a body without a success flag means the transaction is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (TxStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/transactions/by_hash/"+hash, nil)
	if err != nil {
		return TxStatus{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return TxStatus{Pending: true}, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TxStatus{}, fmt.Errorf("ledger: read by_hash response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return TxStatus{}, fmt.Errorf("ledger: by_hash status %d: %s", resp.StatusCode, truncate(body))
	}

	var tx struct {
		Type     string `json:"type"`
		Success  *bool  `json:"success"`
		VMStatus string `json:"vm_status"`
	}
	if err := json.Unmarshal(body, &tx); err != nil {
		return TxStatus{}, fmt.Errorf("ledger: decode by_hash response: %w", err)
	}
	if tx.Success == nil {
		// accepted into the mempool but not yet executed
		return TxStatus{Pending: true}, nil
	}
	return TxStatus{Success: *tx.Success, VMStatus: tx.VMStatus}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, path)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal %s body: %w", path, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ledger: build %s request: %w", path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s response: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("ledger: %s status %d: %s", path, resp.StatusCode, truncate(body))
	}
	return body, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
