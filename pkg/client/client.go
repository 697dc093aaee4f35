// Package client provides the ERASH Go SDK for driving wipe operations,
// issuing certificates and verifying them against the erashd ledger.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound matches an *APIError with status 404.
	ErrNotFound = errors.New("not found")

	// ErrConflict matches an *APIError with status 409.
	ErrConflict = errors.New("conflict")
)

// APIError is a non-2xx response from erashd.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("erashd error %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match with errors.Is(err, client.ErrNotFound).
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Partition is a child block device.
type Partition struct {
	Name       string `json:"name"`
	Size       string `json:"size"`
	Type       string `json:"type"`
	Mountpoint string `json:"mountpoint,omitempty"`
	FSType     string `json:"fstype,omitempty"`
	Label      string `json:"label,omitempty"`
}

// Device is a disk known to the server's inventory.
type Device struct {
	Name       string      `json:"name"`
	Model      string      `json:"model"`
	Serial     string      `json:"serial"`
	Size       string      `json:"size"`
	Type       string      `json:"type"`
	Rotational bool        `json:"rotational"`
	Transport  string      `json:"transport"`
	Partitions []Partition `json:"partitions,omitempty"`
}

// StartWipeRequest is the payload for StartWipe.
type StartWipeRequest struct {
	DevicePath string `json:"device_path"`
	Method     string `json:"method"`
	Mode       string `json:"mode,omitempty"`
	Verify     bool   `json:"verify,omitempty"`

	// Confirm must be set for real-mode wipes.
	Confirm bool `json:"confirm,omitempty"`
}

// Operation is a wipe operation snapshot.
type Operation struct {
	ID         string     `json:"wipe_id"`
	DevicePath string     `json:"device_path"`
	Method     string     `json:"method"`
	Mode       string     `json:"mode"`
	Verify     bool       `json:"verify"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	Device     Device     `json:"device"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	LogCount   int        `json:"log_count"`
}

// Terminal reports whether the operation has finished.
func (o *Operation) Terminal() bool {
	return o.Status == "completed" || o.Status == "failed"
}

// LogLine is one captured line of wipe output.
type LogLine struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogPage is the answer to WipeLogs.
type LogPage struct {
	Logs       []LogLine `json:"logs"`
	Progress   int       `json:"progress"`
	Status     string    `json:"status"`
	TotalCount int       `json:"total_count"`
	NextIndex  int       `json:"next_index"`
	FirstIndex int       `json:"first_index"`
	Truncated  bool      `json:"truncated"`
}

// LedgerEntry locates the block that records a certificate.
type LedgerEntry struct {
	BlockIndex    int       `json:"block_index"`
	BlockHash     string    `json:"block_hash"`
	PreviousHash  string    `json:"previous_hash"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Certificate summarises an issued certificate.
type Certificate struct {
	ID              string          `json:"id"`
	Hash            string          `json:"hash"`
	Filename        string          `json:"filename,omitempty"`
	VerificationURL string          `json:"verification_url"`
	DownloadURL     string          `json:"download_url,omitempty"`
	Attestation     string          `json:"attestation,omitempty"`
	IssuedAt        time.Time       `json:"issued_at"`
	Content         json.RawMessage `json:"content,omitempty"`
	LedgerEntry     *LedgerEntry    `json:"-"`
}

// BulkCertificate summarises a certificate covering several operations.
type BulkCertificate struct {
	JobID       string    `json:"job_id"`
	Hash        string    `json:"hash"`
	DeviceCount int       `json:"device_count"`
	Filename    string    `json:"filename,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	Skipped     []string  `json:"skipped,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// SerialRecord is one ledger entry for a device serial.
type SerialRecord struct {
	BlockIndex      int        `json:"block_index"`
	Timestamp       time.Time  `json:"timestamp"`
	TransactionID   string     `json:"transaction_id"`
	CertificateID   string     `json:"certificate_id"`
	CertificateHash string     `json:"certificate_hash"`
	DevicePath      string     `json:"device_path,omitempty"`
	DeviceModel     string     `json:"device_model,omitempty"`
	WipeMethod      string     `json:"wipe_method"`
	WipeStatus      string     `json:"wipe_status"`
	WipeEnd         *time.Time `json:"wipe_end,omitempty"`
	Simulated       bool       `json:"simulated"`
}

// Verification is the outcome of a certificate or attestation check.
type Verification struct {
	Status           string          `json:"verification_status"`
	Found            bool            `json:"found"`
	IntegrityValid   bool            `json:"integrity_valid"`
	ChainValid       bool            `json:"chain_valid"`
	AttestationValid *bool           `json:"attestation_valid,omitempty"`
	BlockIndex       *int            `json:"block_index,omitempty"`
	BlockHash        string          `json:"block_hash,omitempty"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	Timestamp        *time.Time      `json:"timestamp,omitempty"`
	Record           json.RawMessage `json:"certificate_data,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// Valid reports a VALID outcome.
func (v *Verification) Valid() bool { return v.Status == "VALID" }

// LedgerStats summarises the server's ledger.
type LedgerStats struct {
	TotalBlocks    int       `json:"total_blocks"`
	ErasureRecords int       `json:"erasure_records"`
	LedgerType     string    `json:"ledger_type"`
	CreatedAt      time.Time `json:"created_at"`
	LastBlockTime  time.Time `json:"last_block_time"`
	ChainValid     bool      `json:"chain_valid"`
	Root           string    `json:"-"`
	Sealed         string    `json:"-"`
}

// LedgerValidation is the result of a full chain walk.
type LedgerValidation struct {
	Valid             bool   `json:"valid"`
	FirstInvalidIndex *int   `json:"first_invalid_index,omitempty"`
	Reason            string `json:"reason,omitempty"`
	BlockCount        int    `json:"block_count"`
}

// Client is the ERASH SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this against a development server with a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the erashd instance at base.
//
//	c, err := client.New("http://localhost:5000", client.WithTimeout(30*time.Second))
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Devices and wipes ────────────────────────────────────────────────────

// DeviceFilter narrows ListDevicesFiltered. The zero value matches every
// device with its partitions.
type DeviceFilter struct {
	Type         string // HDD, SSD, USB or Virtual
	NoPartitions bool
}

// ListDevices returns the disks the server can wipe.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	return c.ListDevicesFiltered(ctx, DeviceFilter{})
}

// ListDevicesFiltered returns the disks matching f.
func (c *Client) ListDevicesFiltered(ctx context.Context, f DeviceFilter) ([]Device, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.NoPartitions {
		q.Set("partitions", "false")
	}
	path := "/devices"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// StartWipe starts an operation and returns its id.
func (c *Client) StartWipe(ctx context.Context, req StartWipeRequest) (string, error) {
	var out struct {
		WipeID string `json:"wipe_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/wipe/start", req, &out); err != nil {
		return "", err
	}
	return out.WipeID, nil
}

// WipeStatus returns the current snapshot of an operation.
func (c *Client) WipeStatus(ctx context.Context, id string) (*Operation, error) {
	var out struct {
		Status Operation `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/wipe/status/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// WipeLogs returns the log lines of an operation from index since onward.
func (c *Client) WipeLogs(ctx context.Context, id string, since int) (*LogPage, error) {
	path := "/wipe/logs/" + url.PathEscape(id) + "?since=" + strconv.Itoa(since)
	var out LogPage
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelWipe stops an operation and returns its resulting status.
func (c *Client) CancelWipe(ctx context.Context, id string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodPost, "/wipe/cancel/"+url.PathEscape(id), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// ListWipes returns every operation, newest first.
func (c *Client) ListWipes(ctx context.Context) ([]Operation, error) {
	var out struct {
		Operations []Operation `json:"operations"`
	}
	if err := c.call(ctx, http.MethodGet, "/wipe", nil, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

// FollowWipe polls the log of an operation every interval, passing each new
// line to onLine, until the operation is terminal or ctx is done. It returns
// the final snapshot.
func (c *Client) FollowWipe(ctx context.Context, id string, interval time.Duration, onLine func(LogLine)) (*Operation, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 0
	for {
		page, err := c.WipeLogs(ctx, id, next)
		if err != nil {
			return nil, err
		}
		for _, l := range page.Logs {
			if onLine != nil {
				onLine(l)
			}
		}
		next = page.NextIndex
		if page.Status == "completed" || page.Status == "failed" {
			return c.WipeStatus(ctx, id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ── Certificates ─────────────────────────────────────────────────────────

// GenerateCertificate issues a certificate for a completed operation. With
// record the certificate is appended to the ledger.
func (c *Client) GenerateCertificate(ctx context.Context, wipeID string, record bool) (*Certificate, error) {
	payload := map[string]any{"wipe_id": wipeID, "record_on_blockchain": record}
	var out struct {
		Certificate Certificate  `json:"certificate"`
		LedgerEntry *LedgerEntry `json:"ledger_entry"`
	}
	if err := c.call(ctx, http.MethodPost, "/certificate/generate", payload, &out); err != nil {
		return nil, err
	}
	out.Certificate.LedgerEntry = out.LedgerEntry
	return &out.Certificate, nil
}

// GenerateBulkCertificate issues one certificate over the completed
// operations among wipeIDs. An empty jobID lets the server name the job.
func (c *Client) GenerateBulkCertificate(ctx context.Context, wipeIDs []string, jobID string) (*BulkCertificate, error) {
	payload := map[string]any{"wipe_ids": wipeIDs}
	if jobID != "" {
		payload["job_id"] = jobID
	}
	var out struct {
		Certificate BulkCertificate `json:"certificate"`
	}
	if err := c.call(ctx, http.MethodPost, "/certificate/bulk", payload, &out); err != nil {
		return nil, err
	}
	return &out.Certificate, nil
}

// DownloadCertificate fetches an archived certificate document.
func (c *Client) DownloadCertificate(ctx context.Context, filename string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/certificate/download/"+url.PathEscape(filename), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, 4<<20)
}

// ── Verification ─────────────────────────────────────────────────────────

// VerifySerial returns every recorded erasure of a device serial.
func (c *Client) VerifySerial(ctx context.Context, serial string) ([]SerialRecord, error) {
	var out struct {
		Records []SerialRecord `json:"records"`
	}
	if err := c.call(ctx, http.MethodGet, "/verify/serial/"+url.PathEscape(serial), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// CertificateQuery selects a certificate to verify. Every field that is set
// must agree with the ledger block the server finds.
type CertificateQuery struct {
	ID     string `json:"certificate_id,omitempty"`
	Serial string `json:"serial_number,omitempty"`
	Hash   string `json:"certificate_hash,omitempty"`
}

// VerifyCertificate checks a certificate by id, hash or both.
func (c *Client) VerifyCertificate(ctx context.Context, id, hash string) (*Verification, error) {
	return c.VerifyCertificateBy(ctx, CertificateQuery{ID: id, Hash: hash})
}

// VerifyCertificateBy checks the certificate selected by q.
func (c *Client) VerifyCertificateBy(ctx context.Context, q CertificateQuery) (*Verification, error) {
	var out struct {
		Verification Verification `json:"verification"`
	}
	if err := c.call(ctx, http.MethodPost, "/verify/certificate", q, &out); err != nil {
		return nil, err
	}
	return &out.Verification, nil
}

// VerifyAttestation checks a signed attestation token.
func (c *Client) VerifyAttestation(ctx context.Context, token string) (*Verification, error) {
	var out struct {
		Verification Verification `json:"verification"`
	}
	if err := c.call(ctx, http.MethodPost, "/verify/attestation", map[string]string{"token": token}, &out); err != nil {
		return nil, err
	}
	return &out.Verification, nil
}

// AttestationPublicKey returns the PEM public key that signs attestations.
func (c *Client) AttestationPublicKey(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/attestation/public-key", nil)
	if err != nil {
		return "", err
	}
	body, err := c.do(req, 1<<16)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ── Ledger ───────────────────────────────────────────────────────────────

// LedgerStats returns the ledger summary.
func (c *Client) LedgerStats(ctx context.Context) (*LedgerStats, error) {
	var out struct {
		Stats  LedgerStats `json:"stats"`
		Root   string      `json:"root"`
		Sealed string      `json:"sealed"`
	}
	if err := c.call(ctx, http.MethodGet, "/ledger/stats", nil, &out); err != nil {
		return nil, err
	}
	out.Stats.Root = out.Root
	out.Stats.Sealed = out.Sealed
	return &out.Stats, nil
}

// LedgerVerify asks the server to walk the whole chain.
func (c *Client) LedgerVerify(ctx context.Context) (*LedgerValidation, error) {
	var out struct {
		Validation LedgerValidation `json:"validation"`
	}
	if err := c.call(ctx, http.MethodGet, "/ledger/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out.Validation, nil
}

// LedgerExport returns the raw JSON array of every block, genesis first.
func (c *Client) LedgerExport(ctx context.Context) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/ledger/export", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req, 256<<20)
	if err != nil {
		return nil, err
	}
	var out struct {
		Blocks json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Blocks, nil
}

// LedgerBlock returns a single block as raw JSON.
func (c *Client) LedgerBlock(ctx context.Context, index int) (json.RawMessage, error) {
	var out struct {
		Block json.RawMessage `json:"block"`
	}
	if err := c.call(ctx, http.MethodGet, "/ledger/blocks/"+strconv.Itoa(index), nil, &out); err != nil {
		return nil, err
	}
	return out.Block, nil
}

// ── transport ────────────────────────────────────────────────────────────

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// call performs a JSON round trip and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	body, err := c.do(req, 1<<20)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes req and returns the body of a 2xx response. Other statuses
// become an *APIError carrying the server's error message.
func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
		}
		return nil, apiErr
	}
	return body, nil
}
