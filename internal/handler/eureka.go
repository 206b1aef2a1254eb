package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/admission"
	"github.com/jmerrifield20/VaultLedger/internal/auth"
	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// EurekaHandler exposes the admission filter and the cooling tier.
type EurekaHandler struct {
	svc    *admission.Service
	tokens *auth.TokenIssuer
	writes *RateLimit
	logger *zap.Logger
}

// NewEurekaHandler creates a new EurekaHandler.
func NewEurekaHandler(svc *admission.Service, logger *zap.Logger) *EurekaHandler {
	return &EurekaHandler{svc: svc, logger: logger}
}

// SetTokenIssuer enables bearer-token auth on admit and reconsider. Call
// before Register.
func (h *EurekaHandler) SetTokenIssuer(tokens *auth.TokenIssuer) {
	h.tokens = tokens
}

// SetWriteLimit charges admit and reconsider to limit after auth. Call
// before Register.
func (h *EurekaHandler) SetWriteLimit(limit *RateLimit) {
	h.writes = limit
}

// Register mounts the admission routes on the given router group.
func (h *EurekaHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/eureka")
	{
		e.POST("/evaluate", h.Evaluate)
		e.POST("/admit", writeChain(auth.RequireScope(h.tokens, auth.ScopeEurekaAdmit), h.writes, h.Admit)...)
		e.GET("/status", h.Status)
		e.GET("/cooling", h.ListCooling)
		e.GET("/cooling/:id", h.GetCooling)
		e.POST("/cooling/:id/reconsider", writeChain(auth.RequireScope(h.tokens, auth.ScopeEurekaAdmit), h.writes, h.Reconsider)...)
	}
}

type candidateRequest struct {
	SessionID string             `json:"session_id"`
	Query     string             `json:"query" binding:"required"`
	Response  string             `json:"response"`
	Context   canonical.Document `json:"context"`
}

func (r candidateRequest) candidate() admission.Candidate {
	return admission.Candidate{SessionID: r.SessionID, Query: r.Query, Response: r.Response, Context: r.Context}
}

// Evaluate handles POST /eureka/evaluate. The score is advisory; nothing is
// routed.
func (h *EurekaHandler) Evaluate(c *gin.Context) {
	var body candidateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	score, err := h.svc.Evaluate(c.Request.Context(), body.candidate())
	if err != nil {
		writeError(c, h.logger, "evaluate", err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// Admit handles POST /eureka/admit.
func (h *EurekaHandler) Admit(c *gin.Context) {
	var body candidateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svc.Admit(c.Request.Context(), body.candidate())
	if err != nil {
		if d != nil {
			h.writeDecisionError(c, "admit", d, err)
			return
		}
		writeError(c, h.logger, "admit", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Status handles GET /eureka/status.
func (h *EurekaHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.svc.Cooling().Len(ctx)
	if err != nil {
		writeError(c, h.logger, "cooling len", err)
		return
	}
	engine := h.svc.Engine()
	c.JSON(http.StatusOK, gin.H{
		"degraded":      engine.Degraded(),
		"cached_items":  engine.CacheLen(),
		"cooling_items": n,
	})
}

// ListCooling handles GET /eureka/cooling?limit=.
func (h *EurekaHandler) ListCooling(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	items, err := h.svc.Cooling().List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, "list cooling", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// GetCooling handles GET /eureka/cooling/:id.
func (h *EurekaHandler) GetCooling(c *gin.Context) {
	it, err := h.svc.Cooling().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get cooling", err)
		return
	}
	c.JSON(http.StatusOK, it)
}

// Reconsider handles POST /eureka/cooling/:id/reconsider.
func (h *EurekaHandler) Reconsider(c *gin.Context) {
	d, err := h.svc.Reconsider(c.Request.Context(), c.Param("id"))
	if err != nil {
		if d != nil {
			h.writeDecisionError(c, "reconsider", d, err)
			return
		}
		writeError(c, h.logger, "reconsider", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// writeDecisionError reports a decision that could not be completed,
// together with the partial decision. A write-lock conflict is a 409 the
// caller may retry.
func (h *EurekaHandler) writeDecisionError(c *gin.Context, op string, d *admission.Decision, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, vault.ErrConcurrencyConflict):
		status = http.StatusConflict
		c.Header("Retry-After", "1")
	case errors.Is(err, vault.ErrInvalidPayload):
		status = http.StatusBadRequest
	default:
		h.logger.Error(op, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "decision": d})
}
