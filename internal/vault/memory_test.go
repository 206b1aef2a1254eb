package vault_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

func newMemory(t *testing.T) vault.Ledger {
	t.Helper()
	l := vault.NewMemoryLedger("test", vault.WithClock(fixedClock()))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMemoryLedger(t *testing.T) {
	runConformance(t, newMemory)
}

func TestMemoryLedger_nulSessionIDs(t *testing.T) {
	runNULSessionConformance(t, newMemory)
}

func TestMemoryLedger_tamperPayload(t *testing.T) {
	l := vault.NewMemoryLedger("test", vault.WithClock(fixedClock()))
	for i := 0; i < 5; i++ {
		mustAppend(t, l, req("s", vault.VerdictSeal, map[string]any{"i": i}))
	}
	vault.TamperMemoryEntry(l, 3, func(e *vault.Entry) {
		e.Payload = canonical.MustDocument(map[string]any{"i": 99})
	})

	res, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("VerifyChain accepted a tampered payload")
	}
	if res.FirstInvalidSequence == nil || *res.FirstInvalidSequence != 3 {
		t.Errorf("first_invalid_sequence: got %v, want 3", res.FirstInvalidSequence)
	}
	if res.Entries != 5 {
		t.Errorf("entries: got %d, want 5", res.Entries)
	}
	var ie *vault.IntegrityError
	if !errors.As(res.Err(), &ie) || ie.Sequence != 3 {
		t.Errorf("Err(): %v", res.Err())
	}
}

func TestMemoryLedger_tamperHash(t *testing.T) {
	l := vault.NewMemoryLedger("test")
	for i := 0; i < 4; i++ {
		mustAppend(t, l, req("s", vault.VerdictVoid, nil))
	}
	vault.TamperMemoryEntry(l, 2, func(e *vault.Entry) {
		e.EntryHash = canonical.Sum([]byte("forged"))
	})

	res, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.FirstInvalidSequence == nil || *res.FirstInvalidSequence != 2 {
		t.Errorf("want first_invalid_sequence=2, got %+v", res)
	}
}

func TestMemoryLedger_tamperMerkleRoot(t *testing.T) {
	l := vault.NewMemoryLedger("test")
	for i := 0; i < 3; i++ {
		mustAppend(t, l, req("s", vault.VerdictSeal, nil))
	}
	vault.TamperMemoryEntry(l, 3, func(e *vault.Entry) {
		e.MerkleRoot = canonical.Sum([]byte("forged"))
	})

	res, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || *res.FirstInvalidSequence != 3 {
		t.Errorf("want first_invalid_sequence=3, got %+v", res)
	}
}

func TestMemoryLedger_closed(t *testing.T) {
	l := vault.NewMemoryLedger("test")
	mustAppend(t, l, req("s", vault.VerdictSeal, nil))
	l.Close()

	if _, err := l.Append(ctx, req("s", vault.VerdictSeal, nil)); !errors.Is(err, vault.ErrStorageUnavailable) {
		t.Errorf("Append after Close: want ErrStorageUnavailable, got %v", err)
	}
	if _, err := l.GetEntry(ctx, 1); !errors.Is(err, vault.ErrStorageUnavailable) {
		t.Errorf("GetEntry after Close: want ErrStorageUnavailable, got %v", err)
	}
}

func TestMemoryLedger_lockTimeout(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	clock := func() time.Time {
		entered <- struct{}{}
		<-release
		return time.Now()
	}
	l := vault.NewMemoryLedger("test", vault.WithClock(clock), vault.WithLockTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := l.Append(ctx, req("s", vault.VerdictSeal, nil))
		done <- err
	}()
	<-entered

	_, err := l.Append(ctx, req("s", vault.VerdictSeal, nil))
	if !errors.Is(err, vault.ErrConcurrencyConflict) {
		t.Errorf("second writer: want ErrConcurrencyConflict, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first writer: %v", err)
	}
}

func TestMemoryLedger_readsDoNotBlockOnWriter(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	first := true
	clock := func() time.Time {
		if first {
			first = false
			return time.Now()
		}
		entered <- struct{}{}
		<-release
		return time.Now()
	}
	l := vault.NewMemoryLedger("test", vault.WithClock(clock))
	mustAppend(t, l, req("s", vault.VerdictSeal, nil))

	go func() { _, _ = l.Append(ctx, req("s", vault.VerdictSeal, nil)) }()
	<-entered
	defer close(release)

	res, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Entries != 1 {
		t.Errorf("snapshot during in-flight append: %+v", res)
	}
}
