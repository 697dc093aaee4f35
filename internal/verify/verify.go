// Package verify answers read-only questions about recorded erasures: what
// the ledger holds for a device serial, and whether a certificate is backed
// by an intact ledger block.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/erash/internal/attest"
	"github.com/jmerrifield20/erash/internal/ledger"
	"go.uber.org/zap"
)

// Verification outcomes.
const (
	StatusValid    = "VALID"
	StatusInvalid  = "INVALID"
	StatusNotFound = "NOT_FOUND"
)

var (
	// ErrEmptyQuery is returned when a query names no id, serial or digest.
	ErrEmptyQuery = errors.New("at least one of certificate_id, serial_number or certificate_hash is required")

	// ErrAttestationDisabled is returned when no signer is configured.
	ErrAttestationDisabled = errors.New("attestation verification is not configured")
)

// Chain is the read side of the ledger. *ledger.Ledger satisfies it.
type Chain interface {
	Export(ctx context.Context) ([]*ledger.Block, error)
}

// Query selects a certificate by id, device serial, digest or any
// combination. Every field that is set must agree with the matched block.
type Query struct {
	CertificateID string `json:"certificate_id"`
	SerialNumber  string `json:"serial_number"`
	Digest        string `json:"certificate_hash"`
}

func (q Query) empty() bool {
	return q.CertificateID == "" && q.SerialNumber == "" && q.Digest == ""
}

// selects reports whether b is the block q is looking for. The most
// selective key present decides; the others are checked afterwards so a
// mismatch is reported as INVALID rather than NOT_FOUND.
func (q Query) selects(b *ledger.Block) bool {
	switch {
	case q.CertificateID != "":
		return b.Payload.CertificateID == q.CertificateID
	case q.Digest != "":
		return b.Payload.CertificateHash == q.Digest
	default:
		return b.Payload.DeviceSerial == q.SerialNumber
	}
}

// Result is the outcome of a certificate verification.
type Result struct {
	Status           string         `json:"verification_status"`
	Found            bool           `json:"found"`
	IntegrityValid   bool           `json:"integrity_valid"`
	ChainValid       bool           `json:"chain_valid"`
	AttestationValid *bool          `json:"attestation_valid,omitempty"`
	BlockIndex       *int           `json:"block_index,omitempty"`
	BlockHash        string         `json:"block_hash,omitempty"`
	TransactionID    string         `json:"transaction_id,omitempty"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
	Record           *ledger.Record `json:"certificate_data,omitempty"`
	Message          string         `json:"message,omitempty"`
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

// Service performs verifications against a single ledger snapshot per call.
type Service struct {
	chain  Chain
	signer *attest.Signer // nil = attestations cannot be verified
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(chain Chain, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{chain: chain, logger: logger}
}

// SetSigner enables attestation verification.
func (s *Service) SetSigner(signer *attest.Signer) { s.signer = signer }

// VerifyBySerial returns every recorded erasure of serial, oldest first.
func (s *Service) VerifyBySerial(ctx context.Context, serial string) ([]SerialRecord, error) {
	blocks, err := s.chain.Export(ctx)
	if err != nil {
		return nil, err
	}
	out := []SerialRecord{}
	for _, b := range blocks {
		if !b.IsErasure() || b.Payload.DeviceSerial != serial {
			continue
		}
		out = append(out, SerialRecord{
			BlockIndex:      b.Index,
			Timestamp:       b.Timestamp,
			TransactionID:   b.TransactionID,
			CertificateID:   b.Payload.CertificateID,
			CertificateHash: b.Payload.CertificateHash,
			DevicePath:      b.Payload.DevicePath,
			DeviceModel:     b.Payload.DeviceModel,
			WipeMethod:      b.Payload.WipeMethod,
			WipeStatus:      b.Payload.WipeStatus,
			WipeEnd:         b.Payload.WipeEnd,
			Simulated:       b.Payload.Simulated,
		})
	}
	return out, nil
}

// VerifyCertificate finds the most recent block matching q and checks both
// the block's own hash and the chain from genesis through that block.
func (s *Service) VerifyCertificate(ctx context.Context, q Query) (*Result, error) {
	if q.empty() {
		return nil, ErrEmptyQuery
	}
	blocks, err := s.chain.Export(ctx)
	if err != nil {
		return nil, err
	}

	var match *ledger.Block
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b.IsErasure() && q.selects(b) {
			match = b
			break
		}
	}
	if match == nil {
		return &Result{Status: StatusNotFound, Message: "no matching certificate found in ledger"}, nil
	}

	idx := match.Index
	ts := match.Timestamp
	rec := match.Payload
	res := &Result{
		Found:          true,
		IntegrityValid: match.HashValid(),
		ChainValid:     ledger.ValidateBlocks(blocks[:idx+1]).Valid,
		BlockIndex:     &idx,
		BlockHash:      match.BlockHash,
		TransactionID:  match.TransactionID,
		Timestamp:      &ts,
		Record:         &rec,
	}

	switch {
	case q.Digest != "" && rec.CertificateHash != q.Digest:
		res.Status = StatusInvalid
		res.Message = "certificate hash does not match the recorded hash"
	case q.SerialNumber != "" && rec.DeviceSerial != q.SerialNumber:
		res.Status = StatusInvalid
		res.Message = "device serial does not match the recorded serial"
	case !res.IntegrityValid:
		res.Status = StatusInvalid
		res.Message = "ledger block has been modified"
	case !res.ChainValid:
		res.Status = StatusInvalid
		res.Message = "ledger chain is broken before this block"
	default:
		res.Status = StatusValid
	}

	if res.Status != StatusValid {
		s.logger.Warn("certificate verification failed",
			zap.String("certificate_id", q.CertificateID),
			zap.String("serial", q.SerialNumber),
			zap.String("digest", q.Digest),
			zap.Int("block", idx),
			zap.String("reason", res.Message),
		)
	}
	return res, nil
}

// VerifyAttestation checks an attestation's signature, then verifies the
// certificate it names and cross-checks the block it was bound to.
func (s *Service) VerifyAttestation(ctx context.Context, token string) (*Result, error) {
	if s.signer == nil {
		return nil, ErrAttestationDisabled
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		invalid := false
		return &Result{
			Status:           StatusInvalid,
			AttestationValid: &invalid,
			Message:          err.Error(),
		}, nil
	}

	res, err := s.VerifyCertificate(ctx, Query{CertificateID: claims.CertificateID, Digest: claims.Digest})
	if err != nil {
		return nil, fmt.Errorf("verify attested certificate: %w", err)
	}
	valid := true
	res.AttestationValid = &valid

	if res.Found && claims.BlockIndex != nil {
		if *claims.BlockIndex != *res.BlockIndex || claims.BlockHash != res.BlockHash {
			res.Status = StatusInvalid
			res.Message = "attested block does not match the ledger"
		}
	}
	return res, nil
}
