package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var fc *vault.FailClosedError
	switch {
	case errors.As(err, &fc):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":             "ledger unavailable",
			"ledger":            fc.Outcome.Ledger,
			"verdict":           fc.Outcome.Verdict,
			"requested_verdict": fc.Outcome.RequestedVerdict,
			"path":              fc.Outcome.Path,
			"durability":        fc.Outcome.Durability,
			"fallback":          fc.Outcome.Fallback,
		})
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, cooling.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrInvalidVerdict),
		errors.Is(err, vault.ErrInvalidPayload),
		errors.Is(err, vault.ErrInvalidCursor),
		errors.Is(err, canonical.ErrNotObject),
		errors.Is(err, canonical.ErrSchemaViolation),
		errors.Is(err, eureka.ErrInvalidSignals):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrConcurrencyConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrStorageUnavailable):
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
