package vault

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/merkle"
)

// MemoryLedger is an in-process Ledger. Appends are serialized by a
// single-writer lock; every append publishes a new immutable snapshot that
// readers load without locking.
type MemoryLedger struct {
	name   string
	opts   options
	writer writeLock
	state  atomic.Pointer[memoryState]
	closed atomic.Bool
}

type memoryState struct {
	entries   []*Entry
	tree      *merkle.Tree
	updatedAt time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(name string, opts ...Option) *MemoryLedger {
	l := &MemoryLedger{name: name, opts: buildOptions(opts), writer: newWriteLock()}
	l.state.Store(&memoryState{tree: merkle.NewTree()})
	return l
}

// Name implements Ledger.
func (l *MemoryLedger) Name() string { return l.name }

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, req AppendRequest) (*Receipt, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if err := l.writer.acquire(ctx, l.opts.lockTimeout); err != nil {
		return nil, err
	}
	defer l.writer.release()

	if l.closed.Load() {
		return nil, unavailable("append", errors.New("ledger closed"))
	}

	cur := l.state.Load()
	seq := int64(len(cur.entries)) + 1
	prev := headHash(cur)

	entry, err := newEntry(req, seq, prev, l.opts.clock())
	if err != nil {
		return nil, err
	}
	tree, root := cur.tree.Append(entry.EntryHash)
	entry.MerkleRoot = root

	l.state.Store(&memoryState{
		entries:   append(cur.entries, entry),
		tree:      tree,
		updatedAt: entry.Timestamp,
	})

	l.opts.logger.Debug("ledger entry appended",
		zap.String("ledger", l.name),
		zap.Int64("sequence", entry.Sequence),
		zap.String("verdict", string(entry.Verdict)),
		zap.String("session_id", entry.SessionID),
	)
	return receiptFor(l.name, entry), nil
}

func headHash(s *memoryState) canonical.Digest {
	if n := len(s.entries); n > 0 {
		return s.entries[n-1].EntryHash
	}
	return canonical.Genesis
}

func (l *MemoryLedger) snapshot() (*memoryState, error) {
	if l.closed.Load() {
		return nil, unavailable("read", errors.New("ledger closed"))
	}
	return l.state.Load(), nil
}

// VerifyChain implements Ledger.
func (l *MemoryLedger) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	v := newChainVerifier()
	for _, e := range s.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v.check(e)
	}
	return v.finish(l.headOf(s)), nil
}

// GetEntry implements Ledger.
func (l *MemoryLedger) GetEntry(_ context.Context, seq int64) (*Entry, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	if seq < 1 || seq > int64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return copyEntry(s.entries[seq-1]), nil
}

// EntriesBySession implements Ledger.
func (l *MemoryLedger) EntriesBySession(_ context.Context, sessionID string) ([]*Entry, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	out := []*Entry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

// ListEntries implements Ledger.
func (l *MemoryLedger) ListEntries(_ context.Context, cursor string, limit int) (*Page, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	total := int64(len(s.entries))
	if after >= total {
		return pageOf(nil, false), nil
	}
	end := min(after+int64(limit), total)
	out := make([]*Entry, 0, end-after)
	for _, e := range s.entries[after:end] {
		out = append(out, copyEntry(e))
	}
	return pageOf(out, end < total), nil
}

// QueryByVerdict implements Ledger.
func (l *MemoryLedger) QueryByVerdict(_ context.Context, q VerdictQuery) ([]*Entry, error) {
	if !q.Verdict.Valid() {
		return nil, ErrInvalidVerdict
	}
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(q.Limit)
	out := []*Entry{}
	for _, e := range s.entries {
		if q.matches(e) {
			out = append(out, copyEntry(e))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MerkleProof implements Ledger.
func (l *MemoryLedger) MerkleProof(_ context.Context, seq int64) (*MerkleProof, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	if seq < 1 || seq > int64(len(s.entries)) {
		return nil, ErrNotFound
	}
	p, err := s.tree.Proof(uint64(seq - 1))
	if err != nil {
		return nil, err
	}
	return &MerkleProof{Sequence: seq, Root: p.Root, Proof: p}, nil
}

// Head implements Ledger.
func (l *MemoryLedger) Head(_ context.Context) (*ChainHead, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	return l.headOf(s), nil
}

func (l *MemoryLedger) headOf(s *memoryState) *ChainHead {
	h := emptyHead(l.name)
	h.LastSequence = int64(len(s.entries))
	h.ChainHeadHash = headHash(s)
	h.MerkleRoot = s.tree.Root()
	h.Frontier = s.tree.Frontier()
	h.UpdatedAt = s.updatedAt
	return h
}

// Close implements Ledger. Subsequent calls fail with ErrStorageUnavailable.
func (l *MemoryLedger) Close() error {
	l.closed.Store(true)
	return nil
}

func copyEntry(e *Entry) *Entry {
	c := *e
	return &c
}
