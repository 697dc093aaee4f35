package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/attest"
	"github.com/jmerrifield20/erash/internal/verify"
	"go.uber.org/zap"
)

// VerifyHandler serves the public verification endpoints.
type VerifyHandler struct {
	svc    *verify.Service
	signer *attest.Signer // nil = attestation public key not served
	logger *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(svc *verify.Service, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// SetSigner enables GET /attestation/public-key.
func (h *VerifyHandler) SetSigner(s *attest.Signer) {
	h.signer = s
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	v := rg.Group("/verify")
	{
		v.GET("/serial/:serial", h.BySerial)
		v.POST("/certificate", h.Certificate)
		v.GET("/certificate/:hash", h.CertificateByHash)
		v.POST("/attestation", h.Attestation)
	}
	rg.GET("/attestation/public-key", h.PublicKey)
}

// BySerial handles GET /verify/serial/:serial.
func (h *VerifyHandler) BySerial(c *gin.Context) {
	serial := c.Param("serial")
	records, err := h.svc.VerifyBySerial(c.Request.Context(), serial)
	if err != nil {
		failErr(c, h.logger, err, "failed to search ledger")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"serial_number": serial,
		"count":         len(records),
		"records":       records,
	})
}

// Certificate handles POST /verify/certificate.
func (h *VerifyHandler) Certificate(c *gin.Context) {
	var q verify.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	h.verify(c, q)
}

// CertificateByHash handles GET /verify/certificate/:hash, the target of a
// certificate's verification URL.
func (h *VerifyHandler) CertificateByHash(c *gin.Context) {
	h.verify(c, verify.Query{Digest: c.Param("hash")})
}

func (h *VerifyHandler) verify(c *gin.Context, q verify.Query) {
	res, err := h.svc.VerifyCertificate(c.Request.Context(), q)
	if err != nil {
		failErr(c, h.logger, err, "failed to verify certificate")
		return
	}
	RecordVerification(res.Status)
	c.JSON(http.StatusOK, gin.H{"success": true, "verification": res})
}

type attestationRequest struct {
	Token string `json:"token" binding:"required"`
}

// Attestation handles POST /verify/attestation.
func (h *VerifyHandler) Attestation(c *gin.Context) {
	var req attestationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.VerifyAttestation(c.Request.Context(), req.Token)
	if err != nil {
		failErr(c, h.logger, err, "failed to verify attestation")
		return
	}
	RecordVerification(res.Status)
	c.JSON(http.StatusOK, gin.H{"success": true, "verification": res})
}

// PublicKey handles GET /attestation/public-key.
func (h *VerifyHandler) PublicKey(c *gin.Context) {
	if h.signer == nil {
		fail(c, http.StatusNotFound, "attestation is not configured")
		return
	}
	pemStr, err := h.signer.PublicKeyPEM()
	if err != nil {
		h.logger.Error("encode public key", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to encode public key")
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", []byte(pemStr))
}
