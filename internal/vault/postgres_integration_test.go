//go:build integration

package vault_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// setupPostgres connects to DATABASE_URL, which must already be migrated
// (go run ./cmd/migrate up).
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newPostgres(t *testing.T) vault.Ledger {
	pool := setupPostgres(t)
	name := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		bg := context.Background()
		bypassImmutability(t, pool, "DELETE FROM vault_entries WHERE ledger = $1", name)
		pool.Exec(bg, "DELETE FROM vault_merkle_nodes WHERE ledger = $1", name)
		pool.Exec(bg, "DELETE FROM vault_chain_head WHERE ledger = $1", name)
	})
	return vault.NewPostgresLedger(pool, name, vault.WithClock(fixedClock()))
}

func TestPostgresLedger(t *testing.T) {
	runConformance(t, newPostgres)
}

func TestPostgresLedger_tamperDetected(t *testing.T) {
	pool := setupPostgres(t)
	l := newPostgres(t)
	for i := 0; i < 4; i++ {
		mustAppend(t, l, req("s", vault.VerdictSeal, map[string]any{"i": i}))
	}
	bypassImmutability(t, pool,
		`UPDATE vault_entries SET payload = '{"i": 42}' WHERE ledger = $1 AND sequence = 2`, l.Name())

	res, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.FirstInvalidSequence == nil || *res.FirstInvalidSequence != 2 {
		t.Errorf("want first_invalid_sequence=2, got %+v", res)
	}
}

// bypassImmutability runs sql with the append-only trigger disabled.
func bypassImmutability(t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()
	bg := context.Background()
	tx, err := pool.Begin(bg)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(bg) //nolint:errcheck

	if _, err := tx.Exec(bg, "ALTER TABLE vault_entries DISABLE TRIGGER vault_entries_no_update"); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(bg, sql, args...); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(bg, "ALTER TABLE vault_entries ENABLE TRIGGER vault_entries_no_update"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(bg); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresLedger_rowsAreImmutable(t *testing.T) {
	pool := setupPostgres(t)
	l := newPostgres(t)
	mustAppend(t, l, req("s", vault.VerdictSeal, nil))

	if _, err := pool.Exec(ctx, `UPDATE vault_entries SET authority = 'x' WHERE ledger = $1`, l.Name()); err == nil {
		t.Error("UPDATE on vault_entries succeeded")
	}
}
