// Package handler serves the vault and admission APIs over Gin.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/auth"
	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// LedgerHandler exposes the named ledgers over HTTP. Only ledgers with a
// Recorder accept appends; the rest are read-only.
type LedgerHandler struct {
	ledgers   map[string]vault.Ledger
	recorders map[string]*vault.Recorder
	tokens    *auth.TokenIssuer
	writes    *RateLimit
	logger    *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler over recorders (writable) and
// readOnly ledgers.
func NewLedgerHandler(recorders []*vault.Recorder, readOnly []vault.Ledger, logger *zap.Logger) *LedgerHandler {
	h := &LedgerHandler{
		ledgers:   make(map[string]vault.Ledger),
		recorders: make(map[string]*vault.Recorder),
		logger:    logger,
	}
	for _, r := range recorders {
		h.recorders[r.Ledger().Name()] = r
		h.ledgers[r.Ledger().Name()] = r.Ledger()
	}
	for _, l := range readOnly {
		h.ledgers[l.Name()] = l
	}
	return h
}

// SetTokenIssuer enables bearer-token auth on appends. Call before Register.
func (h *LedgerHandler) SetTokenIssuer(tokens *auth.TokenIssuer) {
	h.tokens = tokens
}

// SetWriteLimit charges appends to limit after auth. Call before Register.
func (h *LedgerHandler) SetWriteLimit(limit *RateLimit) {
	h.writes = limit
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledgers/:ledger", h.resolve)
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.POST("/entries", writeChain(auth.RequireScope(h.tokens, auth.ScopeLedgerWrite), h.writes, h.Append)...)
		l.GET("/entries", h.ListEntries)
		l.GET("/entries/:seq", h.GetEntry)
		l.GET("/entries/:seq/proof", h.GetProof)
		l.GET("/sessions/:session_id", h.GetSession)
		l.GET("/verdicts/:verdict", h.QueryByVerdict)
	}
}

const ctxLedger = "vault_ledger"

// writeChain orders a write route as auth, then the optional limit, then the
// handler, so limits can be keyed by the authenticated subject.
func writeChain(authz gin.HandlerFunc, limit *RateLimit, h gin.HandlerFunc) []gin.HandlerFunc {
	if limit == nil {
		return []gin.HandlerFunc{authz, h}
	}
	return []gin.HandlerFunc{authz, limit.Middleware(), h}
}

func (h *LedgerHandler) resolve(c *gin.Context) {
	l, ok := h.ledgers[c.Param("ledger")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown ledger"})
		return
	}
	c.Set(ctxLedger, l)
	c.Next()
}

func ledgerFromCtx(c *gin.Context) vault.Ledger {
	return c.MustGet(ctxLedger).(vault.Ledger)
}

type appendRequest struct {
	SessionID string             `json:"session_id" binding:"required"`
	Verdict   string             `json:"verdict" binding:"required"`
	Payload   canonical.Document `json:"payload"`
	Authority string             `json:"authority"`
	SealID    string             `json:"seal_id"`
}

// Append handles POST /ledgers/:ledger/entries.
func (h *LedgerHandler) Append(c *gin.Context) {
	name := c.Param("ledger")
	rec, ok := h.recorders[name]
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "ledger " + name + " does not accept direct appends"})
		return
	}

	var body appendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	verdict, err := vault.ParseVerdict(body.Verdict)
	if err != nil {
		writeError(c, h.logger, "parse verdict", err)
		return
	}

	authority := body.Authority
	if claims := auth.ClaimsFromCtx(c); claims != nil {
		authority = claims.Subject
	}
	if authority == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authority is required"})
		return
	}

	req := vault.AppendRequest{
		SessionID: body.SessionID,
		Verdict:   verdict,
		Payload:   body.Payload,
		Authority: authority,
	}
	if body.SealID != "" {
		id, err := uuid.Parse(body.SealID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seal_id must be a UUID"})
			return
		}
		req.SealID = id
	}

	out, err := rec.Record(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, "append", err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// Overview handles GET /ledgers/:ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	head, err := ledgerFromCtx(c).Head(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "ledger head", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ledger":          head.Ledger,
		"entries":         head.LastSequence,
		"chain_head_hash": head.ChainHeadHash,
		"merkle_root":     head.MerkleRoot,
		"updated_at":      head.UpdatedAt,
	})
}

// Verify handles GET /ledgers/:ledger/verify.
func (h *LedgerHandler) Verify(c *gin.Context) {
	l := ledgerFromCtx(c)
	res, err := l.VerifyChain(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "verify chain", err)
		return
	}
	if !res.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.String("ledger", l.Name()),
			zap.Int64p("first_invalid_sequence", res.FirstInvalidSequence),
			zap.String("reason", res.Reason))
	}
	c.JSON(http.StatusOK, res)
}

// ListEntries handles GET /ledgers/:ledger/entries?cursor=&limit=.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	page, err := ledgerFromCtx(c).ListEntries(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, h.logger, "list entries", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetEntry handles GET /ledgers/:ledger/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, ok := paramSeq(c)
	if !ok {
		return
	}
	e, err := ledgerFromCtx(c).GetEntry(c.Request.Context(), seq)
	if err != nil {
		writeError(c, h.logger, "get entry", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// GetProof handles GET /ledgers/:ledger/entries/:seq/proof.
func (h *LedgerHandler) GetProof(c *gin.Context) {
	seq, ok := paramSeq(c)
	if !ok {
		return
	}
	p, err := ledgerFromCtx(c).MerkleProof(c.Request.Context(), seq)
	if err != nil {
		writeError(c, h.logger, "merkle proof", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// GetSession handles GET /ledgers/:ledger/sessions/:session_id.
func (h *LedgerHandler) GetSession(c *gin.Context) {
	entries, err := ledgerFromCtx(c).EntriesBySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, h.logger, "entries by session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// QueryByVerdict handles GET /ledgers/:ledger/verdicts/:verdict?start=&end=&limit=.
func (h *LedgerHandler) QueryByVerdict(c *gin.Context) {
	verdict, err := vault.ParseVerdict(c.Param("verdict"))
	if err != nil {
		writeError(c, h.logger, "parse verdict", err)
		return
	}
	q := vault.VerdictQuery{Verdict: verdict}
	var ok bool
	if q.Start, ok = queryTime(c, "start"); !ok {
		return
	}
	if q.End, ok = queryTime(c, "end"); !ok {
		return
	}
	if q.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	entries, err := ledgerFromCtx(c).QueryByVerdict(c.Request.Context(), q)
	if err != nil {
		writeError(c, h.logger, "query by verdict", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func paramSeq(c *gin.Context) (int64, bool) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return 0, false
	}
	return seq, true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	s := c.Query(key)
	if s == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be an RFC 3339 timestamp"})
		return nil, false
	}
	return &t, true
}
