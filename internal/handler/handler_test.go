package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/admission"
	"github.com/jmerrifield20/VaultLedger/internal/auth"
	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/fallback"
	"github.com/jmerrifield20/VaultLedger/internal/handler"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

type downLedger struct{ vault.Ledger }

func (downLedger) Append(context.Context, vault.AppendRequest) (*vault.Receipt, error) {
	return nil, errors.New("connection refused")
}

// conflictingLedger reports a write-lock conflict for its first n appends.
type conflictingLedger struct {
	vault.Ledger
	n atomic.Int32
}

func (l *conflictingLedger) Append(ctx context.Context, req vault.AppendRequest) (*vault.Receipt, error) {
	if l.n.Add(-1) >= 0 {
		return nil, vault.ErrConcurrencyConflict
	}
	return l.Ledger.Append(ctx, req)
}

type fixture struct {
	router     *gin.Engine
	compliance vault.Ledger
	memory     vault.Ledger
	tokens     *auth.TokenIssuer
}

type setupOpts struct {
	compliance vault.Ledger
	memory     vault.Ledger
	fallback   vault.Sealer
	tokens     *auth.TokenIssuer
	writes     *handler.RateLimit
}

func setup(t *testing.T, o setupOpts) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	if o.compliance == nil {
		o.compliance = vault.NewMemoryLedger(vault.ComplianceLedger)
	}
	memory := o.memory
	if memory == nil {
		memory = vault.NewMemoryLedger(vault.MemoryLedgerName)
	}

	rec := vault.NewRecorder(o.compliance, nil, o.fallback, logger)
	rec.SetMetricsRecord(handler.RecordAppend)
	lh := handler.NewLedgerHandler([]*vault.Recorder{rec}, []vault.Ledger{memory}, logger)
	lh.SetTokenIssuer(o.tokens)
	if o.writes != nil {
		lh.SetWriteLimit(o.writes)
	}

	engine := eureka.NewEngine(eureka.DefaultConfig(), admission.LedgerHistory{Ledger: memory}, logger)
	engine.SetObserver(handler.ObserveScore)
	svc := admission.NewService(engine, memory, cooling.NewMemoryStore(0, 0), logger)
	svc.SetMetricsRecord(handler.RecordAdmission)
	eh := handler.NewEurekaHandler(svc, logger)
	eh.SetTokenIssuer(o.tokens)
	if o.writes != nil {
		eh.SetWriteLimit(o.writes)
	}

	r := gin.New()
	v1 := r.Group("/api/v1")
	lh.Register(v1)
	eh.Register(v1)
	return &fixture{router: r, compliance: o.compliance, memory: memory, tokens: o.tokens}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func appendBody(session, verdict string) map[string]any {
	return map[string]any{
		"session_id": session,
		"verdict":    verdict,
		"authority":  "reviewer",
		"payload":    map[string]any{"decision": verdict, "n": 1},
	}
}

func TestAppend_201(t *testing.T) {
	f := setup(t, setupOpts{})
	w, resp := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s1", "SEAL"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp["path"] != "primary" || resp["durability"] != "durable" || resp["verdict"] != "SEAL" {
		t.Errorf("outcome: %v", resp)
	}
	receipt := resp["receipt"].(map[string]any)
	if receipt["sequence"].(float64) != 1 {
		t.Errorf("receipt: %v", receipt)
	}
}

func TestAppend_validation(t *testing.T) {
	f := setup(t, setupOpts{})
	tests := []struct {
		name string
		body map[string]any
	}{
		{"bad verdict", appendBody("s", "MAYBE")},
		{"missing session", map[string]any{"verdict": "SEAL", "authority": "a"}},
		{"missing authority", map[string]any{"session_id": "s", "verdict": "SEAL"}},
		{"array payload", map[string]any{"session_id": "s", "verdict": "SEAL", "authority": "a", "payload": []int{1}}},
		{"bad seal id", map[string]any{"session_id": "s", "verdict": "SEAL", "authority": "a", "seal_id": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", tt.body, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAppend_memoryLedgerIsReadOnly(t *testing.T) {
	f := setup(t, setupOpts{})
	w, _ := f.do(t, http.MethodPost, "/api/v1/ledgers/memory/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestUnknownLedger_404(t *testing.T) {
	f := setup(t, setupOpts{})
	w, _ := f.do(t, http.MethodGet, "/api/v1/ledgers/nope", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAppend_failClosed_503(t *testing.T) {
	f := setup(t, setupOpts{compliance: downLedger{vault.NewMemoryLedger(vault.ComplianceLedger)}})
	w, resp := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if resp["verdict"] != "VOID" || resp["requested_verdict"] != "SEAL" || resp["path"] != "none" {
		t.Errorf("body: %v", resp)
	}
	if _, ok := resp["receipt"]; ok {
		t.Error("fail-closed response must not carry a receipt")
	}
}

func TestAppend_failClosedWithFallback(t *testing.T) {
	sealer := fallback.NewMemorySealer()
	f := setup(t, setupOpts{
		compliance: downLedger{vault.NewMemoryLedger(vault.ComplianceLedger)},
		fallback:   sealer,
	})
	w, resp := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if resp["path"] != "fallback" || resp["durability"] != "degraded" || resp["verdict"] != "VOID" {
		t.Errorf("body: %v", resp)
	}
	fb, _ := resp["fallback"].(map[string]any)
	if fb["sealer"] != "memory" || fb["entry_id"] == "" {
		t.Errorf("fallback receipt: %v", fb)
	}
}

func TestAppend_requiresToken(t *testing.T) {
	tokens, err := auth.NewTokenIssuer("0123456789abcdef0123456789abcdef", "vaultledger", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	f := setup(t, setupOpts{tokens: tokens})

	w, _ := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	tok, _ := tokens.Issue("officer@example", []string{auth.ScopeLedgerWrite})
	w, _ = f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), tok)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e, err := f.compliance.GetEntry(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if e.Authority != "officer@example" {
		t.Errorf("authority should come from the token subject, got %q", e.Authority)
	}
}

func TestReadEndpoints(t *testing.T) {
	f := setup(t, setupOpts{})
	for i, v := range []string{"SEAL", "VOID", "SEAL", "PARTIAL"} {
		session := "a"
		if i%2 == 1 {
			session = "b"
		}
		if w, _ := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody(session, v), ""); w.Code != http.StatusCreated {
			t.Fatalf("append %d: %d", i, w.Code)
		}
	}

	w, resp := f.do(t, http.MethodGet, "/api/v1/ledgers/compliance", nil, "")
	if w.Code != http.StatusOK || resp["entries"].(float64) != 4 {
		t.Errorf("overview: %d %v", w.Code, resp)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/verify", nil, "")
	if w.Code != http.StatusOK || resp["valid"] != true || resp["entries"].(float64) != 4 {
		t.Errorf("verify: %d %v", w.Code, resp)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/entries?limit=3", nil, "")
	if w.Code != http.StatusOK || resp["has_more"] != true || resp["next_cursor"] != "3" {
		t.Errorf("page 1: %d %v", w.Code, resp)
	}
	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/entries?cursor=3&limit=3", nil, "")
	if entries := resp["entries"].([]any); w.Code != http.StatusOK || len(entries) != 1 || resp["has_more"] != false {
		t.Errorf("page 2: %d %v", w.Code, resp)
	}
	w, _ = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/entries?cursor=abc", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad cursor: %d", w.Code)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/entries/2", nil, "")
	if w.Code != http.StatusOK || resp["verdict"] != "VOID" {
		t.Errorf("entry 2: %d %v", w.Code, resp)
	}
	w, _ = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/entries/99", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("entry 99: %d", w.Code)
	}
	w, _ = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/entries/0", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("entry 0: %d", w.Code)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/sessions/a", nil, "")
	if w.Code != http.StatusOK || resp["count"].(float64) != 2 {
		t.Errorf("session a: %d %v", w.Code, resp)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/verdicts/SEAL", nil, "")
	if w.Code != http.StatusOK || resp["count"].(float64) != 2 {
		t.Errorf("verdict SEAL: %d %v", w.Code, resp)
	}
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/verdicts/SEAL?start="+future, nil, "")
	if w.Code != http.StatusOK || resp["count"].(float64) != 0 {
		t.Errorf("verdict SEAL from the future: %d %v", w.Code, resp)
	}
	w, _ = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/verdicts/SEAL?start=yesterday", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad start: %d", w.Code)
	}
}

func TestGetProof_verifies(t *testing.T) {
	f := setup(t, setupOpts{})
	for i := 0; i < 5; i++ {
		f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody(fmt.Sprint(i), "SEAL"), "")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledgers/compliance/entries/3/proof", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p vault.MerkleProof
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if !p.Proof.Verify() {
		t.Error("proof does not verify")
	}
	head, _ := f.compliance.Head(context.Background())
	if p.Root != head.MerkleRoot || p.Proof.TreeSize != 5 {
		t.Errorf("proof root %s, head root %s", p.Root, head.MerkleRoot)
	}
	e, _ := f.compliance.GetEntry(context.Background(), 3)
	if p.Proof.LeafHash != e.EntryHash {
		t.Error("proof leaf is not the entry hash")
	}
}

func TestEureka_admitAndReconsider(t *testing.T) {
	f := setup(t, setupOpts{})

	seal := map[string]any{
		"session_id": "s",
		"query":      "q",
		"response":   "r",
		"context":    map[string]any{"entropy_delta": -1, "constitutional_amendment": true, "irreversible": true, "max_severity_verdict": true},
	}
	w, resp := f.do(t, http.MethodPost, "/api/v1/eureka/admit", seal, "")
	if w.Code != http.StatusOK || resp["verdict"] != "SEAL" || resp["receipt"] == nil {
		t.Fatalf("admit seal: %d %v", w.Code, resp)
	}
	head, _ := f.memory.Head(context.Background())
	if head.LastSequence != 1 {
		t.Errorf("memory ledger head: %d", head.LastSequence)
	}
	compliance, _ := f.compliance.Head(context.Background())
	if compliance.LastSequence != 0 {
		t.Error("admission must not write to the compliance ledger")
	}

	w, resp = f.do(t, http.MethodPost, "/api/v1/eureka/evaluate", seal, "")
	if w.Code != http.StatusOK || resp["exact_duplicate"] != true || resp["novelty"].(float64) != 0 {
		t.Errorf("evaluate duplicate: %d %v", w.Code, resp)
	}

	w, resp = f.do(t, http.MethodPost, "/api/v1/eureka/admit", map[string]any{"query": "something else", "response": "r"}, "")
	if w.Code != http.StatusOK || resp["verdict"] != "SABAR" {
		t.Fatalf("admit sabar: %d %v", w.Code, resp)
	}
	id := resp["cooling_id"].(string)

	w, resp = f.do(t, http.MethodGet, "/api/v1/eureka/cooling", nil, "")
	if w.Code != http.StatusOK || resp["count"].(float64) != 1 {
		t.Errorf("cooling list: %d %v", w.Code, resp)
	}
	w, _ = f.do(t, http.MethodGet, "/api/v1/eureka/cooling/"+id, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("cooling get: %d", w.Code)
	}

	w, resp = f.do(t, http.MethodPost, "/api/v1/eureka/cooling/"+id+"/reconsider", nil, "")
	if w.Code != http.StatusOK || resp["verdict"] != "SABAR" || resp["attempts"].(float64) != 1 {
		t.Errorf("reconsider: %d %v", w.Code, resp)
	}
	w, _ = f.do(t, http.MethodPost, "/api/v1/eureka/cooling/missing/reconsider", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("reconsider missing: %d", w.Code)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/eureka/status", nil, "")
	if w.Code != http.StatusOK || resp["degraded"] != false || resp["cooling_items"].(float64) != 1 {
		t.Errorf("status: %d %v", w.Code, resp)
	}
}

func TestEureka_admitConflictIsRetryable(t *testing.T) {
	memory := &conflictingLedger{Ledger: vault.NewMemoryLedger(vault.MemoryLedgerName)}
	memory.n.Store(1)
	f := setup(t, setupOpts{memory: memory})

	seal := map[string]any{
		"query":    "q",
		"response": "r",
		"context":  map[string]any{"entropy_delta": -1, "constitutional_amendment": true, "irreversible": true, "max_severity_verdict": true},
	}
	w, resp := f.do(t, http.MethodPost, "/api/v1/eureka/admit", seal, "")
	if w.Code != http.StatusConflict || w.Header().Get("Retry-After") == "" {
		t.Fatalf("admit under conflict: %d %v", w.Code, resp)
	}
	d, _ := resp["decision"].(map[string]any)
	id, _ := d["cooling_id"].(string)
	if d["verdict"] != "SEAL" || id == "" {
		t.Fatalf("conflicted SEAL should be held in cooling: %v", resp)
	}

	w, resp = f.do(t, http.MethodPost, "/api/v1/eureka/cooling/"+id+"/reconsider", nil, "")
	if w.Code != http.StatusOK || resp["verdict"] != "SEAL" || resp["receipt"] == nil {
		t.Fatalf("reconsider after conflict: %d %v", w.Code, resp)
	}
	head, _ := memory.Head(context.Background())
	if head.LastSequence != 1 {
		t.Errorf("memory ledger head: %d", head.LastSequence)
	}
}

func TestEureka_badRequests(t *testing.T) {
	f := setup(t, setupOpts{})
	w, _ := f.do(t, http.MethodPost, "/api/v1/eureka/evaluate", map[string]any{"response": "r"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing query: %d", w.Code)
	}
	w, _ = f.do(t, http.MethodPost, "/api/v1/eureka/admit", map[string]any{"query": "q", "context": map[string]any{"lane": "x"}}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad lane: %d", w.Code)
	}
}

// TestEndToEnd walks the compliance scenario: SEAL, a storage outage that
// forces VOID, then SEAL again once storage recovers.
func TestEndToEnd_failClosedScenario(t *testing.T) {
	inner := vault.NewMemoryLedger(vault.ComplianceLedger)
	toggle := &toggleLedger{Ledger: inner}
	f := setup(t, setupOpts{compliance: toggle})

	w, _ := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("first SEAL: %d", w.Code)
	}
	toggle.down = true
	w, resp := f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusServiceUnavailable || resp["verdict"] != "VOID" {
		t.Fatalf("outage: %d %v", w.Code, resp)
	}
	toggle.down = false
	w, resp = f.do(t, http.MethodPost, "/api/v1/ledgers/compliance/entries", appendBody("s", "SEAL"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("recovered SEAL: %d", w.Code)
	}
	if seq := resp["receipt"].(map[string]any)["sequence"].(float64); seq != 2 {
		t.Errorf("no gap expected after the outage, got sequence %v", seq)
	}
	w, resp = f.do(t, http.MethodGet, "/api/v1/ledgers/compliance/verify", nil, "")
	if resp["valid"] != true {
		t.Errorf("verify after outage: %v", resp)
	}
}

type toggleLedger struct {
	vault.Ledger
	down bool
}

func (l *toggleLedger) Append(ctx context.Context, req vault.AppendRequest) (*vault.Receipt, error) {
	if l.down {
		return nil, errors.New("disk full")
	}
	return l.Ledger.Append(ctx, req)
}
