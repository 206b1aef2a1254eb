package vault

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/merkle"
	"github.com/jmerrifield20/VaultLedger/internal/storage/badgerdb"
)

// Key layout, all under "vault/<ledger>/":
//
//	e/<seq:8>                  entry JSON
//	h                          chain head JSON
//	n/<level:1><index:8>       Merkle node (32 bytes)
//	s/<len:8><session><seq:8>  session index
//	v/<verdict>\x00<seq:8>     verdict index
type badgerKeys struct{ prefix []byte }

func newBadgerKeys(ledger string) badgerKeys {
	return badgerKeys{prefix: []byte("vault/" + ledger + "/")}
}

func (k badgerKeys) key(parts ...[]byte) []byte {
	out := append([]byte(nil), k.prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (k badgerKeys) entryPrefix() []byte { return k.key([]byte("e/")) }
func (k badgerKeys) entry(seq int64) []byte {
	return k.key([]byte("e/"), be64(uint64(seq)))
}
func (k badgerKeys) head() []byte { return k.key([]byte("h")) }
func (k badgerKeys) node(level int, index uint64) []byte {
	return k.key([]byte("n/"), []byte{byte(level)}, be64(index))
}
func (k badgerKeys) sessionPrefix(session string) []byte {
	return k.key([]byte("s/"), be64(uint64(len(session))), []byte(session))
}
func (k badgerKeys) verdictPrefix(v Verdict) []byte {
	return k.key([]byte("v/"), []byte(v), []byte{0})
}

// BadgerLedger persists a named ledger in an embedded BadgerDB. A
// single-writer lock owns every chain-head mutation; each append commits the
// entry, its indexes, the completed Merkle nodes and the new head in one
// badger transaction. Reads use badger's snapshot views.
type BadgerLedger struct {
	name   string
	db     *badgerdb.DB
	keys   badgerKeys
	opts   options
	writer writeLock
}

// NewBadgerLedger creates a BadgerLedger for the named ledger. Several
// ledgers may share one database; the caller owns db.
func NewBadgerLedger(db *badgerdb.DB, name string, opts ...Option) *BadgerLedger {
	return &BadgerLedger{
		name:   name,
		db:     db,
		keys:   newBadgerKeys(name),
		opts:   buildOptions(opts),
		writer: newWriteLock(),
	}
}

// Name implements Ledger.
func (l *BadgerLedger) Name() string { return l.name }

func badgerErr(op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %s: %w", ErrConcurrencyConflict, op, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStorageUnavailable):
		return err
	}
	return unavailable(op, err)
}

// Append implements Ledger.
func (l *BadgerLedger) Append(ctx context.Context, req AppendRequest) (*Receipt, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if err := l.writer.acquire(ctx, l.opts.lockTimeout); err != nil {
		return nil, err
	}
	defer l.writer.release()

	var entry *Entry
	err := l.db.Update(func(txn *badger.Txn) error {
		head, err := l.readHead(txn)
		if err != nil {
			return err
		}
		entry, err = newEntry(req, head.LastSequence+1, head.ChainHeadHash, l.opts.clock())
		if err != nil {
			return err
		}
		frontier := head.Frontier.Clone()
		root, nodes := frontier.Append(entry.EntryHash)
		entry.MerkleRoot = root

		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		seqKey := be64(uint64(entry.Sequence))
		if err := txn.Set(l.keys.entry(entry.Sequence), raw); err != nil {
			return err
		}
		if err := txn.Set(append(l.keys.sessionPrefix(entry.SessionID), seqKey...), nil); err != nil {
			return err
		}
		if err := txn.Set(append(l.keys.verdictPrefix(entry.Verdict), seqKey...), nil); err != nil {
			return err
		}
		for _, n := range nodes {
			if err := txn.Set(l.keys.node(n.Level, n.Index), n.Hash.Bytes()); err != nil {
				return err
			}
		}

		next := &ChainHead{
			Ledger:        l.name,
			LastSequence:  entry.Sequence,
			ChainHeadHash: entry.EntryHash,
			MerkleRoot:    root,
			Frontier:      frontier,
			UpdatedAt:     entry.Timestamp,
		}
		rawHead, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal chain head: %w", err)
		}
		return txn.Set(l.keys.head(), rawHead)
	})
	if err != nil {
		return nil, badgerErr("append", err)
	}

	l.opts.logger.Debug("ledger entry appended",
		zap.String("ledger", l.name),
		zap.Int64("sequence", entry.Sequence),
		zap.String("verdict", string(entry.Verdict)),
		zap.String("session_id", entry.SessionID),
	)
	return receiptFor(l.name, entry), nil
}

func (l *BadgerLedger) readHead(txn *badger.Txn) (*ChainHead, error) {
	item, err := txn.Get(l.keys.head())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return emptyHead(l.name), nil
	}
	if err != nil {
		return nil, err
	}
	head := emptyHead(l.name)
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, head) }); err != nil {
		return nil, fmt.Errorf("decode chain head: %w", err)
	}
	if head.Frontier == nil {
		head.Frontier = &merkle.Frontier{}
	}
	return head, nil
}

func (l *BadgerLedger) readEntry(txn *badger.Txn, seq int64) (*Entry, error) {
	item, err := txn.Get(l.keys.entry(seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", seq, err)
	}
	return &e, nil
}

// scanIndex returns entries referenced by index keys under prefix.
func (l *BadgerLedger) scanIndex(txn *badger.Txn, prefix []byte, limit int) ([]*Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	out := []*Entry{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		seq := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
		e, err := l.readEntry(txn, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// VerifyChain implements Ledger.
func (l *BadgerLedger) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	var result *VerifyResult
	err := l.db.View(func(txn *badger.Txn) error {
		head, err := l.readHead(txn)
		if err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = l.keys.entryPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		v := newChainVerifier()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			v.check(&e)
		}
		result = v.finish(head)
		return nil
	})
	if err != nil {
		return nil, badgerErr("verify chain", err)
	}
	return result, nil
}

// GetEntry implements Ledger.
func (l *BadgerLedger) GetEntry(_ context.Context, seq int64) (*Entry, error) {
	var e *Entry
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = l.readEntry(txn, seq)
		return err
	})
	if err != nil {
		return nil, badgerErr("get entry", err)
	}
	return e, nil
}

// EntriesBySession implements Ledger.
func (l *BadgerLedger) EntriesBySession(_ context.Context, sessionID string) ([]*Entry, error) {
	var out []*Entry
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = l.scanIndex(txn, l.keys.sessionPrefix(sessionID), 0)
		return err
	})
	if err != nil {
		return nil, badgerErr("entries by session", err)
	}
	return out, nil
}

// ListEntries implements Ledger.
func (l *BadgerLedger) ListEntries(_ context.Context, cursor string, limit int) (*Page, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	var page *Page
	err = l.db.View(func(txn *badger.Txn) error {
		head, err := l.readHead(txn)
		if err != nil {
			return err
		}
		end := min(after+int64(limit), head.LastSequence)
		out := []*Entry{}
		for seq := after + 1; seq <= end; seq++ {
			e, err := l.readEntry(txn, seq)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		page = pageOf(out, end < head.LastSequence)
		return nil
	})
	if err != nil {
		return nil, badgerErr("list entries", err)
	}
	return page, nil
}

// QueryByVerdict implements Ledger.
func (l *BadgerLedger) QueryByVerdict(_ context.Context, q VerdictQuery) ([]*Entry, error) {
	if !q.Verdict.Valid() {
		return nil, ErrInvalidVerdict
	}
	limit := normalizeLimit(q.Limit)
	out := []*Entry{}
	err := l.db.View(func(txn *badger.Txn) error {
		candidates, err := l.scanIndex(txn, l.keys.verdictPrefix(q.Verdict), 0)
		if err != nil {
			return err
		}
		for _, e := range candidates {
			if q.matches(e) {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("query by verdict", err)
	}
	return out, nil
}

// badgerNodes reads stored Merkle nodes inside a view transaction.
type badgerNodes struct {
	txn  *badger.Txn
	keys badgerKeys
}

func (s badgerNodes) Node(level int, index uint64) (canonical.Digest, error) {
	item, err := s.txn.Get(s.keys.node(level, index))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return canonical.Digest{}, fmt.Errorf("%w: level %d index %d", merkle.ErrNodeNotFound, level, index)
	}
	if err != nil {
		return canonical.Digest{}, err
	}
	var d canonical.Digest
	err = item.Value(func(val []byte) error {
		d, err = canonical.DigestFromBytes(val)
		return err
	})
	return d, err
}

// MerkleProof implements Ledger.
func (l *BadgerLedger) MerkleProof(_ context.Context, seq int64) (*MerkleProof, error) {
	var proof *MerkleProof
	err := l.db.View(func(txn *badger.Txn) error {
		head, err := l.readHead(txn)
		if err != nil {
			return err
		}
		if seq < 1 || seq > head.LastSequence {
			return ErrNotFound
		}
		p, err := merkle.BuildProof(badgerNodes{txn: txn, keys: l.keys}, uint64(seq-1), uint64(head.LastSequence))
		if err != nil {
			return fmt.Errorf("build proof for %d: %w", seq, err)
		}
		proof = &MerkleProof{Sequence: seq, Root: p.Root, Proof: p}
		return nil
	})
	if err != nil {
		return nil, badgerErr("merkle proof", err)
	}
	return proof, nil
}

// Head implements Ledger.
func (l *BadgerLedger) Head(_ context.Context) (*ChainHead, error) {
	var head *ChainHead
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = l.readHead(txn)
		return err
	})
	if err != nil {
		return nil, badgerErr("read chain head", err)
	}
	return head, nil
}

// Close implements Ledger. The database is owned by the caller.
func (l *BadgerLedger) Close() error { return nil }
