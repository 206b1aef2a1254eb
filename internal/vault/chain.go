package vault

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/merkle"
)

const (
	// DefaultPageSize is used when a caller passes a non-positive limit.
	DefaultPageSize = 50

	// MaxPageSize caps a single page or query.
	MaxPageSize = 500

	// DefaultLockTimeout bounds how long Append waits for the write lock.
	DefaultLockTimeout = 5 * time.Second
)

type options struct {
	clock       func() time.Time
	lockTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a ledger backend.
type Option func(*options)

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithLockTimeout bounds the wait for the write lock. Zero waits until the
// caller's context is done.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:       time.Now,
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// writeLock is a context-aware single-writer lock.
type writeLock chan struct{}

func newWriteLock() writeLock { return make(writeLock, 1) }

func (w writeLock) acquire(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case w <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, ctx.Err())
	}
}

func (w writeLock) release() { <-w }

func validateRequest(req *AppendRequest) error {
	if !req.Verdict.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVerdict, req.Verdict)
	}
	if req.SealID == uuid.Nil {
		req.SealID = uuid.New()
	}
	return nil
}

// newEntry builds and hashes the entry that follows prev. The caller fills
// in MerkleRoot after appending EntryHash to its tree.
func newEntry(req AppendRequest, seq int64, prev canonical.Digest, now time.Time) (*Entry, error) {
	e := &Entry{
		Sequence:  seq,
		SessionID: req.SessionID,
		SealID:    req.SealID,
		Timestamp: canonical.Timestamp(now),
		Authority: req.Authority,
		Verdict:   req.Verdict,
		Payload:   req.Payload,
		PrevHash:  prev,
	}
	h, err := e.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("hash entry %d: %w", seq, err)
	}
	e.EntryHash = h
	return e, nil
}

// chainVerifier checks entries fed to it in sequence order.
type chainVerifier struct {
	result   VerifyResult
	prev     canonical.Digest
	frontier merkle.Frontier
	failed   bool
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{result: VerifyResult{Valid: true}, prev: canonical.Genesis}
}

func (v *chainVerifier) fail(seq int64, reason string) {
	v.failed = true
	v.result.Valid = false
	v.result.FirstInvalidSequence = &seq
	v.result.Reason = reason
}

// check records e. After the first failure it only counts entries.
func (v *chainVerifier) check(e *Entry) {
	v.result.Entries++
	if v.failed {
		return
	}
	want := v.result.Entries
	switch {
	case e.Sequence != want:
		v.fail(want, fmt.Sprintf("sequence gap: found %d", e.Sequence))
		return
	case e.PrevHash != v.prev:
		v.fail(e.Sequence, "prev_hash does not match predecessor")
		return
	}
	h, err := e.ComputeHash()
	if err != nil {
		v.fail(e.Sequence, err.Error())
		return
	}
	if h != e.EntryHash {
		v.fail(e.Sequence, "entry_hash does not match content")
		return
	}
	root, _ := v.frontier.Append(e.EntryHash)
	if root != e.MerkleRoot {
		v.fail(e.Sequence, "merkle_root does not match replayed tree")
		return
	}
	v.prev = e.EntryHash
}

// finish compares the walk against the stored chain head.
func (v *chainVerifier) finish(head *ChainHead) *VerifyResult {
	if !v.failed && head != nil {
		switch {
		case head.LastSequence != v.result.Entries:
			v.fail(min(head.LastSequence, v.result.Entries)+1,
				fmt.Sprintf("chain head claims %d entries, found %d", head.LastSequence, v.result.Entries))
		case head.ChainHeadHash != v.prev:
			v.fail(max(head.LastSequence, 1), "chain head hash does not match last entry")
		}
	}
	return &v.result
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// parseCursor returns the sequence after which a page starts.
func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}

func pageOf(entries []*Entry, hasMore bool) *Page {
	p := &Page{Entries: entries, HasMore: hasMore}
	if p.Entries == nil {
		p.Entries = []*Entry{}
	}
	if hasMore && len(entries) > 0 {
		next := strconv.FormatInt(entries[len(entries)-1].Sequence, 10)
		p.NextCursor = &next
	}
	return p
}
