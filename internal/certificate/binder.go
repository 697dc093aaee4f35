package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/erash/internal/attest"
	"github.com/jmerrifield20/erash/internal/ledger"
	"github.com/jmerrifield20/erash/internal/wipe"
	"go.uber.org/zap"
)

// ReportSource supplies wipe reports. *wipe.Orchestrator satisfies it.
type ReportSource interface {
	Report(id string) (wipe.Report, error)
}

// Recorder appends erasure records to the ledger. *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec ledger.Record) (*ledger.Block, error)
}

// IssueHook is called after every successful issuance.
type IssueHook func(c *Certificate)

// Binder issues certificates and optionally records them on the ledger.
type Binder struct {
	reports   ReportSource
	publicURL string
	logger    *zap.Logger

	recorder Recorder       // nil = ledger recording unavailable
	signer   *attest.Signer // nil = certificates are not attested
	archive  *Archive       // nil = certificates are not archived
	onIssue  IssueHook

	mu     sync.RWMutex
	issued map[string]*Certificate
}

// NewBinder creates a Binder. publicURL is the externally reachable base URL
// used to build verification links.
func NewBinder(reports ReportSource, publicURL string, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		reports:   reports,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
		issued:    make(map[string]*Certificate),
	}
}

// SetRecorder enables ledger recording.
func (b *Binder) SetRecorder(r Recorder) { b.recorder = r }

// SetSigner enables attestations.
func (b *Binder) SetSigner(s *attest.Signer) { b.signer = s }

// SetArchive enables archiving of certificate documents.
func (b *Binder) SetArchive(a *Archive) { b.archive = a }

// SetIssueHook registers fn to observe issued certificates.
func (b *Binder) SetIssueHook(fn IssueHook) { b.onIssue = fn }

// Archive returns the configured archive, or nil.
func (b *Binder) Archive() *Archive { return b.archive }

// VerificationURL returns the public link at which digest can be verified.
func (b *Binder) VerificationURL(digest string) string {
	return b.publicURL + "/api/v1/verify/certificate/" + digest
}

// Issue composes a certificate for a completed operation. With
// recordOnLedger the certificate digest is appended to the ledger before the
// certificate is returned; a failed append fails the issuance.
func (b *Binder) Issue(ctx context.Context, operationID string, recordOnLedger bool) (*Certificate, error) {
	rep, err := b.reports.Report(operationID)
	if err != nil {
		if errors.Is(err, wipe.ErrNotFound) {
			return nil, fmt.Errorf("%w: operation %s", ErrNotFound, operationID)
		}
		return nil, fmt.Errorf("load report: %w", err)
	}
	if rep.Status != wipe.StatusCompleted {
		return nil, fmt.Errorf("%w: operation %s is %s", ErrNotCompleted, operationID, rep.Status)
	}
	if recordOnLedger && b.recorder == nil {
		return nil, ErrNoLedger
	}

	content := ContentFromReport(rep)
	digest := Digest(content)
	cert := &Certificate{
		ID:              uuid.New().String(),
		OperationID:     operationID,
		Digest:          digest,
		VerificationURL: b.VerificationURL(digest),
		IssuedAt:        time.Now().UTC(),
		Content:         content,
		LogSummary:      rep.LogSummary,
	}

	if recordOnLedger {
		block, err := b.recorder.Append(ctx, erasureRecord(cert, rep))
		if err != nil {
			return nil, fmt.Errorf("record certificate on ledger: %w", err)
		}
		cert.Ledger = &LedgerEntry{
			BlockIndex:    block.Index,
			BlockHash:     block.BlockHash,
			PreviousHash:  block.PreviousHash,
			TransactionID: block.TransactionID,
			Timestamp:     block.Timestamp,
		}
	}

	if b.signer != nil {
		claims := attest.Claims{
			CertificateID: cert.ID,
			Digest:        digest,
			DeviceSerial:  content.DeviceSerial,
			OperationID:   operationID,
		}
		if cert.Ledger != nil {
			idx := cert.Ledger.BlockIndex
			claims.BlockIndex = &idx
			claims.BlockHash = cert.Ledger.BlockHash
		}
		token, err := b.signer.Issue(claims)
		if err != nil {
			return nil, fmt.Errorf("attest certificate: %w", err)
		}
		cert.Attestation = token
	}

	if b.archive != nil {
		name, err := b.archive.Write(cert)
		if err != nil {
			// The ledger block, if any, already exists; the certificate stays
			// retrievable through Get.
			b.logger.Warn("archive certificate", zap.String("id", cert.ID), zap.Error(err))
		} else {
			cert.Filename = name
		}
	}

	b.mu.Lock()
	b.issued[cert.ID] = cert
	b.mu.Unlock()

	b.logger.Info("certificate issued",
		zap.String("id", cert.ID),
		zap.String("wipe_id", operationID),
		zap.String("digest", digest),
		zap.Bool("on_ledger", cert.Ledger != nil),
	)
	if b.onIssue != nil {
		b.onIssue(cert)
	}
	cp := *cert
	return &cp, nil
}

// Get returns a certificate issued by this process.
func (b *Binder) Get(id string) (*Certificate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.issued[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func erasureRecord(c *Certificate, rep wipe.Report) ledger.Record {
	return ledger.Record{
		Type:            ledger.RecordTypeErasure,
		CertificateID:   c.ID,
		CertificateHash: c.Digest,
		DeviceSerial:    c.Content.DeviceSerial,
		DeviceModel:     c.Content.DeviceModel,
		DeviceType:      c.Content.DeviceType,
		DevicePath:      c.Content.DevicePath,
		WipeID:          rep.ID,
		WipeMethod:      c.Content.Method,
		WipeMode:        c.Content.Mode,
		WipeStatus:      string(rep.Status),
		WipeStart:       utcPtr(rep.StartedAt),
		WipeEnd:         utcPtr(rep.EndedAt),
		Simulated:       rep.Mode == wipe.ModeSimulated,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
