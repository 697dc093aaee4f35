package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes read-only HTTP endpoints for the erasure ledger.
type LedgerHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("/stats", h.Stats)
		l.GET("/export", h.Export)
		l.GET("/verify", h.Verify)
		l.GET("/blocks/:idx", h.GetBlock)
	}
}

// Stats handles GET /ledger/stats.
func (h *LedgerHandler) Stats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		failErr(c, h.logger, err, "failed to query ledger")
		return
	}
	resp := gin.H{
		"success": true,
		"stats":   stats,
		"root":    h.ledger.Root(),
	}
	if sealed := h.ledger.Sealed(); sealed != nil {
		resp["sealed"] = sealed.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Export handles GET /ledger/export and returns every block, genesis first.
func (h *LedgerHandler) Export(c *gin.Context) {
	blocks, err := h.ledger.Export(c.Request.Context())
	if err != nil {
		failErr(c, h.logger, err, "failed to export ledger")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(blocks),
		"blocks":  blocks,
	})
}

// Verify handles GET /ledger/verify and walks the full chain. An invalid
// chain is a successful request with valid=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	v, err := h.ledger.Validate(c.Request.Context())
	if err != nil {
		failErr(c, h.logger, err, "failed to validate ledger")
		return
	}
	if !v.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.Intp("first_invalid_index", v.FirstInvalidIndex),
			zap.String("reason", v.Reason),
		)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "validation": v})
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		fail(c, http.StatusBadRequest, "idx must be a non-negative integer")
		return
	}
	b, err := h.ledger.Get(c.Request.Context(), idx)
	if err != nil {
		failErr(c, h.logger, err, "failed to read ledger block")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "block": b, "hash_valid": b.HashValid()})
}
