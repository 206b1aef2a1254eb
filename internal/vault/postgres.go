package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/merkle"
)

// PostgreSQL error codes that mean "try again".
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PostgreSQL error codes for content text and JSONB cannot hold, such as NUL.
const (
	pgUntranslatableChar  = "22P05"
	pgCharNotInRepertoire = "22021"
)

const entryColumns = `sequence, session_id, seal_id::text, ts, authority, verdict, payload, entry_hash, prev_hash, merkle_root`

// PostgresLedger persists a named ledger to PostgreSQL. Appends are
// serialized with a transaction-scoped advisory lock whose key is derived
// from the ledger name, so every process sharing the database observes the
// same total order of writes.
type PostgresLedger struct {
	name    string
	pool    *pgxpool.Pool
	lockKey int64
	opts    options
}

// NewPostgresLedger creates a PostgresLedger for the named ledger.
func NewPostgresLedger(pool *pgxpool.Pool, name string, opts ...Option) *PostgresLedger {
	return &PostgresLedger{name: name, pool: pool, lockKey: AdvisoryLockKey(name), opts: buildOptions(opts)}
}

// AdvisoryLockKey returns the pg_advisory_xact_lock key of a ledger name.
func AdvisoryLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("vault_ledger:" + name))
	return int64(h.Sum64())
}

// Name implements Ledger.
func (l *PostgresLedger) Name() string { return l.name }

// Append implements Ledger.
// It takes the ledger's advisory lock, reads the chain head, hashes the new
// entry, extends the Merkle tree and writes the row, the completed nodes and
// the new head in one transaction.
func (l *PostgresLedger) Append(ctx context.Context, req AppendRequest) (*Receipt, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if l.opts.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)",
			fmt.Sprintf("%dms", l.opts.lockTimeout.Milliseconds())); err != nil {
			return nil, classify("set lock timeout", err)
		}
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", l.lockKey); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrConcurrencyConflict, ctx.Err())
		}
		return nil, classify("acquire advisory lock", err)
	}

	// The lock is held: run to a definite outcome regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	head, err := l.readHead(ctx, tx)
	if err != nil {
		return nil, err
	}

	entry, err := newEntry(req, head.LastSequence+1, head.ChainHeadHash, l.opts.clock())
	if err != nil {
		return nil, err
	}
	frontier := head.Frontier.Clone()
	root, nodes := frontier.Append(entry.EntryHash)
	entry.MerkleRoot = root

	if _, err := tx.Exec(ctx,
		`INSERT INTO vault_entries (ledger, `+entryColumnsInsert+`)
		 VALUES ($1, $2, $3, $4::uuid, $5, $6, $7, $8, $9, $10, $11)`,
		l.name, entry.Sequence, entry.SessionID, entry.SealID.String(), entry.Timestamp,
		entry.Authority, string(entry.Verdict), entry.Payload.Bytes(),
		entry.EntryHash.String(), entry.PrevHash.String(), entry.MerkleRoot.String(),
	); err != nil {
		return nil, classify("insert ledger entry", err)
	}

	batch := &pgx.Batch{}
	for _, n := range nodes {
		batch.Queue(`INSERT INTO vault_merkle_nodes (ledger, level, idx, hash) VALUES ($1, $2, $3, $4)`,
			l.name, n.Level, int64(n.Index), n.Hash.String())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, classify("insert merkle nodes", err)
	}

	frontierJSON, err := json.Marshal(frontier)
	if err != nil {
		return nil, fmt.Errorf("marshal frontier: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vault_chain_head (ledger, last_sequence, chain_head_hash, frontier, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (ledger) DO UPDATE
		 SET last_sequence = EXCLUDED.last_sequence,
		     chain_head_hash = EXCLUDED.chain_head_hash,
		     frontier = EXCLUDED.frontier,
		     updated_at = EXCLUDED.updated_at`,
		l.name, entry.Sequence, entry.EntryHash.String(), frontierJSON, entry.Timestamp,
	); err != nil {
		return nil, classify("update chain head", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit ledger tx", err)
	}

	l.opts.logger.Debug("ledger entry appended",
		zap.String("ledger", l.name),
		zap.Int64("sequence", entry.Sequence),
		zap.String("verdict", string(entry.Verdict)),
		zap.String("session_id", entry.SessionID),
	)
	return receiptFor(l.name, entry), nil
}

const entryColumnsInsert = `sequence, session_id, seal_id, ts, authority, verdict, payload, entry_hash, prev_hash, merkle_root`

// classify maps driver errors onto the ledger's error taxonomy.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op, err)
		case pgUntranslatableChar, pgCharNotInRepertoire:
			return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, op, err)
		}
	}
	return unavailable(op, err)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (l *PostgresLedger) readHead(ctx context.Context, q querier) (*ChainHead, error) {
	head := emptyHead(l.name)
	var hash string
	var frontierJSON []byte
	err := q.QueryRow(ctx,
		`SELECT last_sequence, chain_head_hash, frontier, updated_at
		 FROM vault_chain_head WHERE ledger = $1`, l.name,
	).Scan(&head.LastSequence, &hash, &frontierJSON, &head.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return head, nil
	}
	if err != nil {
		return nil, classify("read chain head", err)
	}
	if head.ChainHeadHash, err = canonical.ParseDigest(hash); err != nil {
		return nil, fmt.Errorf("parse chain head hash: %w", err)
	}
	if err := json.Unmarshal(frontierJSON, head.Frontier); err != nil {
		return nil, fmt.Errorf("parse merkle frontier: %w", err)
	}
	head.MerkleRoot = head.Frontier.Root()
	head.UpdatedAt = head.UpdatedAt.UTC()
	return head, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e                        Entry
		sealID, verdict          string
		payload                  []byte
		entryHash, prev, merkleR string
	)
	if err := row.Scan(&e.Sequence, &e.SessionID, &sealID, &e.Timestamp, &e.Authority,
		&verdict, &payload, &entryHash, &prev, &merkleR); err != nil {
		return nil, err
	}
	var err error
	if e.SealID, err = uuid.Parse(sealID); err != nil {
		return nil, fmt.Errorf("parse seal_id: %w", err)
	}
	e.Verdict = Verdict(verdict)
	e.Timestamp = e.Timestamp.UTC()
	if e.Payload, err = canonical.ParseDocument(payload); err != nil {
		return nil, fmt.Errorf("parse payload of entry %d: %w", e.Sequence, err)
	}
	if e.EntryHash, err = canonical.ParseDigest(entryHash); err != nil {
		return nil, fmt.Errorf("parse entry_hash of entry %d: %w", e.Sequence, err)
	}
	if e.PrevHash, err = canonical.ParseDigest(prev); err != nil {
		return nil, fmt.Errorf("parse prev_hash of entry %d: %w", e.Sequence, err)
	}
	if e.MerkleRoot, err = canonical.ParseDigest(merkleR); err != nil {
		return nil, fmt.Errorf("parse merkle_root of entry %d: %w", e.Sequence, err)
	}
	return &e, nil
}

func (l *PostgresLedger) queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]*Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("query entries", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate entries", err)
	}
	return out, nil
}

// VerifyChain implements Ledger. It streams every row in sequence order
// inside one repeatable-read snapshot. O(n) in ledger length.
func (l *PostgresLedger) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify("begin verify tx", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	head, err := l.readHead(ctx, tx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+` FROM vault_entries WHERE ledger = $1 ORDER BY sequence ASC`, l.name)
	if err != nil {
		return nil, classify("query ledger", err)
	}
	defer rows.Close()

	v := newChainVerifier()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		v.check(e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate ledger", err)
	}
	return v.finish(head), nil
}

// GetEntry implements Ledger.
func (l *PostgresLedger) GetEntry(ctx context.Context, seq int64) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM vault_entries WHERE ledger = $1 AND sequence = $2`, l.name, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Sprintf("get ledger entry %d", seq), err)
	}
	return e, nil
}

// EntriesBySession implements Ledger.
func (l *PostgresLedger) EntriesBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	return l.queryEntries(ctx, l.pool,
		`SELECT `+entryColumns+` FROM vault_entries
		 WHERE ledger = $1 AND session_id = $2 ORDER BY sequence ASC`, l.name, sessionID)
}

// ListEntries implements Ledger.
func (l *PostgresLedger) ListEntries(ctx context.Context, cursor string, limit int) (*Page, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	entries, err := l.queryEntries(ctx, l.pool,
		`SELECT `+entryColumns+` FROM vault_entries
		 WHERE ledger = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3`, l.name, after, limit+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return pageOf(entries, hasMore), nil
}

// QueryByVerdict implements Ledger.
func (l *PostgresLedger) QueryByVerdict(ctx context.Context, q VerdictQuery) ([]*Entry, error) {
	if !q.Verdict.Valid() {
		return nil, ErrInvalidVerdict
	}
	return l.queryEntries(ctx, l.pool,
		`SELECT `+entryColumns+` FROM vault_entries
		 WHERE ledger = $1 AND verdict = $2
		   AND ($3::timestamptz IS NULL OR ts >= $3)
		   AND ($4::timestamptz IS NULL OR ts < $4)
		 ORDER BY sequence ASC LIMIT $5`,
		l.name, string(q.Verdict), q.Start, q.End, normalizeLimit(q.Limit))
}

// pgNodes reads stored Merkle nodes inside a snapshot transaction.
type pgNodes struct {
	ctx    context.Context
	q      querier
	ledger string
}

func (s pgNodes) Node(level int, index uint64) (canonical.Digest, error) {
	var hash string
	err := s.q.QueryRow(s.ctx,
		`SELECT hash FROM vault_merkle_nodes WHERE ledger = $1 AND level = $2 AND idx = $3`,
		s.ledger, level, int64(index),
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return canonical.Digest{}, fmt.Errorf("%w: level %d index %d", merkle.ErrNodeNotFound, level, index)
	}
	if err != nil {
		return canonical.Digest{}, classify("read merkle node", err)
	}
	return canonical.ParseDigest(hash)
}

// MerkleProof implements Ledger.
func (l *PostgresLedger) MerkleProof(ctx context.Context, seq int64) (*MerkleProof, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify("begin proof tx", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	head, err := l.readHead(ctx, tx)
	if err != nil {
		return nil, err
	}
	if seq < 1 || seq > head.LastSequence {
		return nil, ErrNotFound
	}
	p, err := merkle.BuildProof(pgNodes{ctx: ctx, q: tx, ledger: l.name}, uint64(seq-1), uint64(head.LastSequence))
	if err != nil {
		return nil, fmt.Errorf("build proof for %d: %w", seq, err)
	}
	return &MerkleProof{Sequence: seq, Root: p.Root, Proof: p}, nil
}

// Head implements Ledger.
func (l *PostgresLedger) Head(ctx context.Context) (*ChainHead, error) {
	return l.readHead(ctx, l.pool)
}

// Close implements Ledger. The pool is owned by the caller.
func (l *PostgresLedger) Close() error { return nil }

// Ping checks connectivity.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
