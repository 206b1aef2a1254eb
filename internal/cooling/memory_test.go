package cooling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
)

var ctx = context.Background()

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock { return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }
func item(q string) *cooling.Item { return &cooling.Item{Query: q, Response: "r", Score: &eureka.Score{Composite: 0.6}} }

func TestMemoryStore_holdAndGet(t *testing.T) {
	s := cooling.NewMemoryStore(0, 0)
	it := item("q")
	if err := s.Hold(ctx, it); err != nil {
		t.Fatal(err)
	}
	if it.ID == "" || it.HeldAt.IsZero() {
		t.Fatalf("hold did not stamp item: %+v", it)
	}
	if got := it.ExpiresAt.Sub(it.HeldAt); got != cooling.DefaultRetention {
		t.Errorf("retention: %v", got)
	}

	got, err := s.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Query != "q" || got.Score.Composite != 0.6 {
		t.Errorf("got %+v", got)
	}

	got.Score.Composite = 0
	again, _ := s.Get(ctx, it.ID)
	if again.Score.Composite != 0.6 {
		t.Error("Get must return a copy")
	}
}

func TestMemoryStore_miss(t *testing.T) {
	s := cooling.NewMemoryStore(0, 0)
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, cooling.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if err := s.Remove(ctx, "nope"); !errors.Is(err, cooling.ErrNotFound) {
		t.Errorf("remove: want ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_expiry(t *testing.T) {
	c := newClock()
	s := cooling.NewMemoryStore(time.Hour, 0)
	s.SetClock(c.now)

	it := item("q")
	s.Hold(ctx, it)
	c.advance(59 * time.Minute)
	if _, err := s.Get(ctx, it.ID); err != nil {
		t.Fatalf("before expiry: %v", err)
	}

	c.advance(time.Minute)
	if _, err := s.Get(ctx, it.ID); !errors.Is(err, cooling.ErrNotFound) {
		t.Errorf("after expiry: want ErrNotFound, got %v", err)
	}
	if items, _ := s.List(ctx, 0); len(items) != 0 {
		t.Errorf("List shows expired items: %d", len(items))
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len before evict: %d", n)
	}
	if n := s.Evict(); n != 1 {
		t.Errorf("Evict removed %d", n)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("Len after evict: %d", n)
	}
}

func TestMemoryStore_capacityDropsOldest(t *testing.T) {
	c := newClock()
	s := cooling.NewMemoryStore(0, 2)
	s.SetClock(c.now)

	a, b, d := item("a"), item("b"), item("d")
	s.Hold(ctx, a)
	c.advance(time.Second)
	s.Hold(ctx, b)
	c.advance(time.Second)
	s.Hold(ctx, d)

	if _, err := s.Get(ctx, a.ID); !errors.Is(err, cooling.ErrNotFound) {
		t.Error("oldest item should have been dropped")
	}
	items, _ := s.List(ctx, 0)
	if len(items) != 2 || items[0].Query != "b" || items[1].Query != "d" {
		t.Errorf("List order: %+v", items)
	}
}

func TestMemoryStore_holdReplaces(t *testing.T) {
	s := cooling.NewMemoryStore(0, 1)
	it := item("q")
	s.Hold(ctx, it)
	it.Attempts++
	if err := s.Hold(ctx, it); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts: %d", got.Attempts)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len: %d", n)
	}
}

func TestMemoryStore_listLimit(t *testing.T) {
	c := newClock()
	s := cooling.NewMemoryStore(0, 0)
	s.SetClock(c.now)
	for _, q := range []string{"1", "2", "3"} {
		s.Hold(ctx, item(q))
		c.advance(time.Second)
	}
	items, _ := s.List(ctx, 2)
	if len(items) != 2 || items[0].Query != "1" {
		t.Errorf("limited list: %+v", items)
	}
}
