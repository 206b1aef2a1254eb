package cooling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a bounded in-process Store. Expired items are hidden from
// reads and dropped by Evict; when full, the oldest item makes room.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*Item
	retention time.Duration
	capacity  int
	now       func() time.Time
}

// NewMemoryStore creates a store. Zero values select the defaults.
func NewMemoryStore(retention time.Duration, capacity int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		items:     make(map[string]*Item),
		retention: retention,
		capacity:  capacity,
		now:       time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Hold(_ context.Context, it *Item) error {
	now := s.now()
	stamp(it, now, s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; !ok && len(s.items) >= s.capacity {
		s.evictLocked(now)
		if len(s.items) >= s.capacity {
			s.dropOldestLocked()
		}
	}
	s.items[it.ID] = it.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok || it.expired(s.now()) {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Item, error) {
	now := s.now()
	s.mu.RLock()
	out := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		if !it.expired(now) {
			out = append(out, it.clone())
		}
	}
	s.mu.RUnlock()
	return limitItems(out, limit), nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// Len returns the number of stored items, including expired ones not yet
// evicted.
func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

// Evict removes all expired items and returns how many were removed.
func (s *MemoryStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(s.now())
}

func (s *MemoryStore) evictLocked(now time.Time) int {
	n := 0
	for id, it := range s.items {
		if it.expired(now) {
			delete(s.items, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) dropOldestLocked() {
	var oldest *Item
	for _, it := range s.items {
		if oldest == nil || it.HeldAt.Before(oldest.HeldAt) {
			oldest = it
		}
	}
	if oldest != nil {
		delete(s.items, oldest.ID)
	}
}

func stamp(it *Item, now time.Time, retention time.Duration) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.HeldAt.IsZero() {
		it.HeldAt = now.UTC()
	}
	if it.ExpiresAt.IsZero() {
		it.ExpiresAt = it.HeldAt.Add(retention)
	}
}

func limitItems(items []*Item, limit int) []*Item {
	sort.Slice(items, func(i, j int) bool {
		if items[i].HeldAt.Equal(items[j].HeldAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].HeldAt.Before(items[j].HeldAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
