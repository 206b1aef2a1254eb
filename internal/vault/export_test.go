package vault

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
)

// ClassifyPostgres maps a PostgreSQL error onto the ledger's sentinels.
var ClassifyPostgres = classify

// TamperMemoryEntry rewrites a committed entry in place, bypassing Append.
func TamperMemoryEntry(l *MemoryLedger, seq int64, mutate func(*Entry)) {
	cur := l.state.Load()
	entries := make([]*Entry, len(cur.entries))
	copy(entries, cur.entries)
	e := *entries[seq-1]
	mutate(&e)
	entries[seq-1] = &e
	l.state.Store(&memoryState{entries: entries, tree: cur.tree, updatedAt: cur.updatedAt})
}

// TamperBadgerEntry rewrites a stored entry, bypassing Append.
func TamperBadgerEntry(l *BadgerLedger, seq int64, mutate func(*Entry)) error {
	return l.db.Update(func(txn *badger.Txn) error {
		e, err := l.readEntry(txn, seq)
		if err != nil {
			return err
		}
		mutate(e)
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(l.keys.entry(seq), raw)
	})
}
