// Package handler exposes the erasure services over HTTP with Gin.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/certificate"
	"github.com/jmerrifield20/erash/internal/ledger"
	"github.com/jmerrifield20/erash/internal/verify"
	"github.com/jmerrifield20/erash/internal/wipe"
	"go.uber.org/zap"
)

// fail writes the error envelope every endpoint uses.
func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "error": msg})
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wipe.ErrInvalidInput),
		errors.Is(err, verify.ErrEmptyQuery),
		errors.Is(err, certificate.ErrEmptyBulk):
		return http.StatusBadRequest
	case errors.Is(err, wipe.ErrNotFound),
		errors.Is(err, certificate.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, wipe.ErrConflict),
		errors.Is(err, wipe.ErrAlreadyTerminal),
		errors.Is(err, certificate.ErrNotCompleted):
		return http.StatusConflict
	case errors.Is(err, certificate.ErrNoLedger),
		errors.Is(err, ledger.ErrChainIntegrity),
		errors.Is(err, verify.ErrAttestationDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// failErr writes err with its mapped status. Internal errors are logged and
// reported with the generic msg instead of their text.
func failErr(c *gin.Context, logger *zap.Logger, err error, msg string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		fail(c, code, msg)
		return
	}
	fail(c, code, err.Error())
}
