package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/config"
	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

func testConfig(t *testing.T, backend config.Backend) *config.Config {
	t.Helper()
	v := config.New()
	v.Set("ledger.backend", string(backend))
	v.Set("badger.path", t.TempDir())
	cfg, err := config.Resolve(v)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestOpenStores_memory(t *testing.T) {
	st, err := openStores(context.Background(), testConfig(t, config.BackendMemory), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if st.compliance.Name() != vault.ComplianceLedger || st.memory.Name() != vault.MemoryLedgerName {
		t.Errorf("ledger names: %s, %s", st.compliance.Name(), st.memory.Name())
	}
	if _, ok := st.cooling.(*cooling.MemoryStore); !ok || st.evict == nil {
		t.Errorf("memory backend should use the in-memory cooling store, got %T", st.cooling)
	}
}

func TestOpenStores_badgerSharesOneDB(t *testing.T) {
	st, err := openStores(context.Background(), testConfig(t, config.BackendBadger), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.compliance.Append(ctx, vault.AppendRequest{SessionID: "s", Verdict: vault.VerdictSeal, Authority: "a"}); err != nil {
		t.Fatal(err)
	}
	head, _ := st.memory.Head(ctx)
	if head.LastSequence != 0 {
		t.Error("ledgers on one badger store must stay independent")
	}
	if _, ok := st.cooling.(*cooling.BadgerStore); !ok {
		t.Errorf("badger backend should keep cooling in badger, got %T", st.cooling)
	}
}

func TestOpenFallback(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory)
	cfg.Fallback.Kind = config.FallbackNone
	src, closeFn, err := openFallback(context.Background(), cfg, zap.NewNop())
	if err != nil || src != nil {
		t.Errorf("none: %v %v", src, err)
	}
	closeFn()

	cfg.Fallback.Kind = config.FallbackMemory
	src, closeFn, err = openFallback(context.Background(), cfg, zap.NewNop())
	if err != nil || src == nil || src.Name() != "memory" {
		t.Errorf("memory: %v %v", src, err)
	}
	closeFn()
}

func TestLoadSchema(t *testing.T) {
	s, err := loadSchema("")
	if err != nil || s != nil {
		t.Errorf("empty path: %v %v", s, err)
	}
	if _, err := loadSchema("/does/not/exist.json"); err == nil {
		t.Error("expected error for a missing schema file")
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	done := make(chan struct{})
	go func() {
		every(ctx, 5*time.Millisecond, func(context.Context) { n.Add(1) })
		close(done)
	}()
	time.Sleep(40 * time.Millisecond)
	cancel()
	<-done
	if n.Load() == 0 {
		t.Error("fn never ran")
	}
}

func TestContainsWildcard(t *testing.T) {
	if !containsWildcard([]string{"http://a", " * "}) {
		t.Error("wildcard not detected")
	}
	if containsWildcard([]string{"http://a"}) {
		t.Error("false wildcard")
	}
}

func TestIntegrityPayload(t *testing.T) {
	seq := int64(4)
	p := integrityPayload("compliance", &vault.VerifyResult{Entries: 9, FirstInvalidSequence: &seq, Reason: "entry_hash does not match content"})
	if p["ledger"] != "compliance" || p["first_invalid_sequence"] != "4" || p["entries"] != "9" {
		t.Errorf("payload: %v", p)
	}
}

func TestNewAlerts(t *testing.T) {
	if newAlerts(nil, zap.NewNop()).Enabled() {
		t.Error("alerts enabled without targets")
	}
	d := newAlerts([]config.WebhookConfig{{URL: "http://localhost:1/hook"}}, zap.NewNop())
	if !d.Enabled() {
		t.Error("alerts disabled with a target")
	}
}
