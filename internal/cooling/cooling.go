// Package cooling holds SABAR items: candidates that scored high enough to
// keep but not high enough to seal. Items wait here until reconsidered or
// until their retention expires.
package cooling

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
)

// DefaultRetention is how long an item stays in cooling.
const DefaultRetention = 72 * time.Hour

// DefaultCapacity bounds the in-memory store.
const DefaultCapacity = 1000

// ErrNotFound is returned when no live item has the requested ID.
var ErrNotFound = errors.New("cooling item not found")

// Item is one held candidate.
type Item struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id,omitempty"`
	Query     string             `json:"query"`
	Response  string             `json:"response"`
	Context   canonical.Document `json:"context"`
	Score     *eureka.Score      `json:"score"`
	Attempts  int                `json:"attempts"`
	HeldAt    time.Time          `json:"held_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

func (it *Item) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

func (it *Item) clone() *Item {
	c := *it
	if it.Score != nil {
		s := *it.Score
		c.Score = &s
	}
	return &c
}

// Store persists cooling items.
type Store interface {
	// Hold stores it, replacing any item with the same ID. A missing ID,
	// HeldAt or ExpiresAt is filled in.
	Hold(ctx context.Context, it *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// List returns live items, oldest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*Item, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}
