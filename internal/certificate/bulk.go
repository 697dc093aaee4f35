package certificate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/erash/internal/wipe"
	"go.uber.org/zap"
)

// ErrEmptyBulk is returned when a bulk request names no operations.
var ErrEmptyBulk = errors.New("at least one wipe ID is required")

// BulkDevice is one certified erasure inside a bulk certificate.
type BulkDevice struct {
	Content Content `json:"content"`
	Digest  string  `json:"hash"`
}

// BulkCertificate covers every completed operation of a job in one document.
// Digest is computed over the job id and the per-device digests in order.
type BulkCertificate struct {
	JobID    string       `json:"job_id"`
	Digest   string       `json:"hash"`
	IssuedAt time.Time    `json:"issued_at"`
	Devices  []BulkDevice `json:"devices"`
	Skipped  []string     `json:"skipped,omitempty"`
	Filename string       `json:"filename,omitempty"`
}

// DefaultJobID names a bulk job issued at t.
func DefaultJobID(t time.Time) string {
	return "BULK_" + t.UTC().Format("20060102_150405")
}

// BulkDigest returns the digest binding jobID to the device digests.
func BulkDigest(jobID string, devices []BulkDevice) string {
	digests := make([]string, len(devices))
	for i, d := range devices {
		digests[i] = d.Digest
	}
	raw, err := json.Marshal(struct {
		JobID   string   `json:"job_id"`
		Digests []string `json:"hashes"`
	}{jobID, digests})
	if err != nil {
		panic(fmt.Sprintf("certificate: marshal bulk digest: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// IssueBulk composes one certificate over the completed operations among
// operationIDs. Unknown and unfinished ids are skipped and listed in
// Skipped; if none remain the result is ErrNotFound. Bulk certificates are
// not recorded on the ledger; each device keeps its own per-operation
// certificate for that.
func (b *Binder) IssueBulk(ctx context.Context, operationIDs []string, jobID string) (*BulkCertificate, error) {
	if len(operationIDs) == 0 {
		return nil, ErrEmptyBulk
	}
	now := time.Now().UTC()
	if jobID == "" {
		jobID = DefaultJobID(now)
	}

	bulk := &BulkCertificate{JobID: jobID, IssuedAt: now, Devices: []BulkDevice{}}
	seen := make(map[string]bool, len(operationIDs))
	for _, id := range operationIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		rep, err := b.reports.Report(id)
		if err != nil || rep.Status != wipe.StatusCompleted {
			b.logger.Debug("bulk certificate skips operation", zap.String("wipe_id", id), zap.Error(err))
			bulk.Skipped = append(bulk.Skipped, id)
			continue
		}
		content := ContentFromReport(rep)
		bulk.Devices = append(bulk.Devices, BulkDevice{Content: content, Digest: Digest(content)})
	}
	if len(bulk.Devices) == 0 {
		return nil, fmt.Errorf("%w: no valid wipe reports found", ErrNotFound)
	}
	bulk.Digest = BulkDigest(jobID, bulk.Devices)

	if b.archive != nil {
		name, err := b.archive.WriteBulk(bulk)
		if err != nil {
			b.logger.Warn("archive bulk certificate", zap.String("job_id", jobID), zap.Error(err))
		} else {
			bulk.Filename = name
		}
	}

	b.logger.Info("bulk certificate issued",
		zap.String("job_id", jobID),
		zap.Int("devices", len(bulk.Devices)),
		zap.Int("skipped", len(bulk.Skipped)),
		zap.String("digest", bulk.Digest),
	)
	return bulk, nil
}
