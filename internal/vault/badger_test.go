package vault_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/storage/badgerdb"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

func openBadger(t *testing.T) *badgerdb.DB {
	t.Helper()
	db, err := badgerdb.OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newBadger(t *testing.T) vault.Ledger {
	t.Helper()
	return vault.NewBadgerLedger(openBadger(t), "test", vault.WithClock(fixedClock()))
}

func TestBadgerLedger(t *testing.T) {
	runConformance(t, newBadger)
}

func TestBadgerLedger_nulSessionIDs(t *testing.T) {
	runNULSessionConformance(t, newBadger)
}

func TestBadgerLedger_namedLedgersAreIndependent(t *testing.T) {
	db := openBadger(t)
	compliance := vault.NewBadgerLedger(db, vault.ComplianceLedger)
	memory := vault.NewBadgerLedger(db, vault.MemoryLedgerName)

	for i := 0; i < 3; i++ {
		mustAppend(t, compliance, req("s", vault.VerdictVoid, nil))
	}
	rc := mustAppend(t, memory, req("s", vault.VerdictSeal, nil))
	assert.Equal(t, int64(1), rc.Sequence)
	assert.Equal(t, canonical.Genesis, rc.PrevHash)

	for _, l := range []vault.Ledger{compliance, memory} {
		res, err := l.VerifyChain(ctx)
		require.NoError(t, err)
		assert.True(t, res.Valid, l.Name())
	}
	entries, err := memory.EntriesBySession(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBadgerLedger_tamperPayload(t *testing.T) {
	db := openBadger(t)
	l := vault.NewBadgerLedger(db, "test")
	for i := 0; i < 6; i++ {
		mustAppend(t, l, req("s", vault.VerdictSeal, map[string]any{"i": i}))
	}
	require.NoError(t, vault.TamperBadgerEntry(l, 4, func(e *vault.Entry) {
		e.Authority = "intruder"
	}))

	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.FirstInvalidSequence)
	assert.Equal(t, int64(4), *res.FirstInvalidSequence)
	assert.Equal(t, int64(6), res.Entries)
}

func TestBadgerLedger_survivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := badgerdb.DefaultConfig(dir)
	cfg.GCInterval = 0

	db, err := badgerdb.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	l := vault.NewBadgerLedger(db, "test")
	for i := 0; i < 5; i++ {
		mustAppend(t, l, req("s", vault.VerdictSeal, map[string]any{"i": i}))
	}
	require.NoError(t, db.Close())

	db, err = badgerdb.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()
	l = vault.NewBadgerLedger(db, "test")

	rc := mustAppend(t, l, req("s", vault.VerdictSeal, nil))
	assert.Equal(t, int64(6), rc.Sequence)
	res, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	p, err := l.MerkleProof(ctx, 3)
	require.NoError(t, err)
	assert.True(t, p.Proof.Verify())
	assert.Equal(t, rc.MerkleRoot, p.Root)
}

func TestBadgerLedger_closedDatabase(t *testing.T) {
	db, err := badgerdb.OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	l := vault.NewBadgerLedger(db, "test")
	require.NoError(t, db.Close())

	_, err = l.Append(ctx, req("s", vault.VerdictSeal, nil))
	assert.ErrorIs(t, err, vault.ErrStorageUnavailable)
}
