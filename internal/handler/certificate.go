package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/certificate"
	"go.uber.org/zap"
)

// CertificateHandler issues certificates and serves archived copies.
type CertificateHandler struct {
	binder *certificate.Binder
	logger *zap.Logger
}

// NewCertificateHandler creates a new CertificateHandler.
func NewCertificateHandler(binder *certificate.Binder, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{binder: binder, logger: logger}
}

// Register mounts the certificate routes on the given router group.
func (h *CertificateHandler) Register(rg *gin.RouterGroup) {
	cg := rg.Group("/certificate")
	{
		cg.POST("/generate", h.Generate)
		cg.POST("/bulk", h.Bulk)
		cg.GET("/download/:filename", h.Download)
		cg.GET("/:id", h.Get)
	}
}

type generateRequest struct {
	WipeID             string `json:"wipe_id" binding:"required"`
	RecordOnBlockchain bool   `json:"record_on_blockchain"`
}

// Generate handles POST /certificate/generate.
func (h *CertificateHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	cert, err := h.binder.Issue(c.Request.Context(), req.WipeID, req.RecordOnBlockchain)
	if err != nil {
		failErr(c, h.logger, err, "failed to issue certificate")
		return
	}

	summary := gin.H{
		"id":               cert.ID,
		"hash":             cert.Digest,
		"filename":         cert.Filename,
		"verification_url": cert.VerificationURL,
		"issued_at":        cert.IssuedAt,
		"content":          cert.Content,
	}
	if cert.Filename != "" {
		summary["download_url"] = downloadPath(c, cert.Filename)
	}
	if cert.Attestation != "" {
		summary["attestation"] = cert.Attestation
	}

	resp := gin.H{"success": true, "certificate": summary}
	if cert.Ledger != nil {
		resp["ledger_entry"] = cert.Ledger
	}
	c.JSON(http.StatusCreated, resp)
}

type bulkRequest struct {
	WipeIDs []string `json:"wipe_ids"`
	JobID   string   `json:"job_id"`
}

// Bulk handles POST /certificate/bulk.
func (h *CertificateHandler) Bulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	bulk, err := h.binder.IssueBulk(c.Request.Context(), req.WipeIDs, req.JobID)
	if err != nil {
		failErr(c, h.logger, err, "failed to issue bulk certificate")
		return
	}

	summary := gin.H{
		"job_id":       bulk.JobID,
		"hash":         bulk.Digest,
		"device_count": len(bulk.Devices),
		"filename":     bulk.Filename,
		"issued_at":    bulk.IssuedAt,
	}
	if bulk.Filename != "" {
		summary["download_url"] = downloadPath(c, bulk.Filename)
	}
	if len(bulk.Skipped) > 0 {
		summary["skipped"] = bulk.Skipped
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "certificate": summary})
}

// Get handles GET /certificate/:id.
func (h *CertificateHandler) Get(c *gin.Context) {
	cert, err := h.binder.Get(c.Param("id"))
	if err != nil {
		failErr(c, h.logger, err, "failed to load certificate")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "certificate": cert})
}

// Download handles GET /certificate/download/:filename.
func (h *CertificateHandler) Download(c *gin.Context) {
	archive := h.binder.Archive()
	if archive == nil {
		fail(c, http.StatusNotFound, "certificate archive is not configured")
		return
	}
	name := c.Param("filename")
	p, err := archive.Path(name)
	if err != nil {
		failErr(c, h.logger, err, "failed to locate certificate")
		return
	}
	c.FileAttachment(p, name)
}

// downloadPath builds the download route under the group the request came
// in on.
func downloadPath(c *gin.Context, filename string) string {
	prefix, _, _ := strings.Cut(c.FullPath(), "/certificate/")
	return prefix + "/certificate/download/" + filename
}
