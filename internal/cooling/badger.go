package cooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jmerrifield20/VaultLedger/internal/storage/badgerdb"
)

var badgerPrefix = []byte("cooling/")

// BadgerStore keeps cooling items in BadgerDB. Retention is enforced by
// badger's own key TTL, so expired items disappear without a sweep.
type BadgerStore struct {
	db        *badgerdb.DB
	retention time.Duration
	now       func() time.Time
}

// NewBadgerStore creates a store on db. Zero retention selects the default.
func NewBadgerStore(db *badgerdb.DB, retention time.Duration) *BadgerStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &BadgerStore{db: db, retention: retention, now: time.Now}
}

func itemKey(id string) []byte {
	return append(append([]byte(nil), badgerPrefix...), id...)
}

func (s *BadgerStore) Hold(_ context.Context, it *Item) error {
	now := s.now()
	stamp(it, now, s.retention)
	ttl := it.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode cooling item: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(itemKey(it.ID), val).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("hold cooling item: %w", err)
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*Item, error) {
	var it Item
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(itemKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &it) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cooling item: %w", err)
	}
	return &it, nil
}

func (s *BadgerStore) List(_ context.Context, limit int) ([]*Item, error) {
	var out []*Item
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerPrefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var item Item
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &item) }); err != nil {
				return err
			}
			out = append(out, &item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cooling items: %w", err)
	}
	return limitItems(out, limit), nil
}

func (s *BadgerStore) Remove(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(itemKey(id)); err != nil {
			return err
		}
		return txn.Delete(itemKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove cooling item: %w", err)
	}
	return nil
}

func (s *BadgerStore) Len(context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count cooling items: %w", err)
	}
	return n, nil
}
