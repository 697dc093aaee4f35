// Package certificate composes erasure certificates for completed wipe
// operations and binds their digests into the ledger.
package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/erash/internal/wipe"
)

var (
	// ErrNotFound is returned for unknown operations or certificates.
	ErrNotFound = errors.New("certificate not found")

	// ErrNotCompleted is returned when the operation has not completed
	// successfully. Nothing is written to the ledger in that case.
	ErrNotCompleted = errors.New("wipe operation has not completed")

	// ErrNoLedger is returned when ledger recording is requested but no
	// ledger is configured.
	ErrNoLedger = errors.New("ledger recording is not configured")
)

// Content is the certified statement. Its JSON encoding is canonical: the
// field order is fixed and every timestamp is a UTC RFC 3339 string, so the
// same operation always yields the same digest.
type Content struct {
	OperationID  string `json:"wipe_id"`
	DevicePath   string `json:"device_path"`
	DeviceSerial string `json:"device_serial"`
	DeviceModel  string `json:"device_model"`
	DeviceType   string `json:"device_type"`
	DeviceSize   string `json:"device_size"`
	Method       string `json:"wipe_method"`
	Passes       int    `json:"passes"`
	Mode         string `json:"wipe_mode"`
	Verified     bool   `json:"verified"`
	StartedAt    string `json:"wipe_start"`
	CompletedAt  string `json:"wipe_end"`
	Result       string `json:"result"`
}

// LedgerEntry locates the block that records a certificate.
type LedgerEntry struct {
	BlockIndex    int       `json:"block_index"`
	BlockHash     string    `json:"block_hash"`
	PreviousHash  string    `json:"previous_hash"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Certificate is an issued certificate. It is immutable once returned.
type Certificate struct {
	ID              string       `json:"id"`
	OperationID     string       `json:"wipe_id"`
	Digest          string       `json:"hash"`
	VerificationURL string       `json:"verification_url"`
	IssuedAt        time.Time    `json:"issued_at"`
	Content         Content      `json:"content"`
	LogSummary      []string     `json:"log_summary,omitempty"`
	Ledger          *LedgerEntry `json:"ledger_entry,omitempty"`
	Attestation     string       `json:"attestation,omitempty"`
	Filename        string       `json:"filename,omitempty"`
}

// ContentFromReport derives the certified statement from a wipe report.
func ContentFromReport(r wipe.Report) Content {
	c := Content{
		OperationID:  r.ID,
		DevicePath:   r.TargetPath,
		DeviceSerial: r.Device.Serial,
		DeviceModel:  r.Device.Model,
		DeviceType:   r.Device.Type,
		DeviceSize:   r.Device.Size,
		Method:       string(r.Method),
		Passes:       r.Method.Passes(),
		Mode:         string(r.Mode),
		Verified:     r.Verify,
		Result:       string(r.Status),
	}
	if r.StartedAt != nil {
		c.StartedAt = r.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.EndedAt != nil {
		c.CompletedAt = r.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return c
}

// Digest returns the SHA-256 hex digest of the canonical content encoding.
func Digest(c Content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// Content holds only strings, ints and bools.
		panic(fmt.Sprintf("certificate: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// VerifyContent reports whether digest is the digest of c.
func VerifyContent(c Content, digest string) bool {
	return Digest(c) == digest
}
