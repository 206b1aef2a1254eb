package auth_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/VaultLedger/internal/auth"
)

const secret = "0123456789abcdef0123456789abcdef"

func newIssuer(t *testing.T, ttl time.Duration) *auth.TokenIssuer {
	t.Helper()
	ti, err := auth.NewTokenIssuer(secret, "vaultledger", ttl)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestNewTokenIssuer_shortSecret(t *testing.T) {
	if _, err := auth.NewTokenIssuer("short", "x", 0); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestTokenIssuer_roundTrip(t *testing.T) {
	ti := newIssuer(t, time.Hour)
	token, err := ti.Issue("compliance-officer", []string{auth.ScopeLedgerWrite})
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d", len(parts))
	}
	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "compliance-officer" || !claims.HasScope(auth.ScopeLedgerWrite) || claims.HasScope(auth.ScopeEurekaAdmit) {
		t.Errorf("claims: %+v", claims)
	}
}

func TestTokenIssuer_rejects(t *testing.T) {
	ti := newIssuer(t, time.Hour)
	token, _ := ti.Issue("a", nil)

	other, _ := auth.NewTokenIssuer("ffffffffffffffffffffffffffffffff", "vaultledger", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("token verified with the wrong secret")
	}

	wrongIssuer, _ := auth.NewTokenIssuer(secret, "someone-else", time.Hour)
	if _, err := wrongIssuer.Verify(token); err == nil {
		t.Error("token verified with the wrong issuer")
	}

	expired := newIssuer(t, time.Nanosecond)
	tok, _ := expired.Issue("a", nil)
	time.Sleep(2 * time.Millisecond)
	if _, err := expired.Verify(tok); err == nil {
		t.Error("expired token verified")
	}
}

func TestRequireScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newIssuer(t, time.Hour)
	r := gin.New()
	r.POST("/w", auth.RequireScope(ti, auth.ScopeLedgerWrite), func(c *gin.Context) {
		c.String(http.StatusOK, auth.ClaimsFromCtx(c).Subject)
	})

	writer, _ := ti.Issue("writer", []string{auth.ScopeLedgerWrite})
	reader, _ := ti.Issue("reader", nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"no scope", "Bearer " + reader, http.StatusForbidden},
		{"ok", "Bearer " + writer, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/w", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK && w.Body.String() != "writer" {
				t.Errorf("subject: %q", w.Body.String())
			}
		})
	}
}

func TestRequireScope_disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/w", auth.RequireScope(nil, auth.ScopeLedgerWrite), func(c *gin.Context) {
		if auth.ClaimsFromCtx(c) != nil {
			t.Error("claims without a token")
		}
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/w", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status %d", w.Code)
	}
}
