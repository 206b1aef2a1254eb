package fallback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// MemorySealer keeps degraded-mode records in process memory. Entry IDs are
// zero-padded counters, so they sort in sealing order.
type MemorySealer struct {
	mu      sync.Mutex
	records []Record
	next    uint64
	now     func() time.Time
}

// NewMemorySealer creates an empty MemorySealer.
func NewMemorySealer() *MemorySealer {
	return &MemorySealer{now: time.Now}
}

// Name implements vault.Sealer.
func (s *MemorySealer) Name() string { return "memory" }

// Seal implements vault.Sealer.
func (s *MemorySealer) Seal(_ context.Context, sessionID string, verdict vault.Verdict, payload canonical.Document) (*vault.FallbackReceipt, error) {
	ts := canonical.Timestamp(s.now())
	h, err := hashRecord(sessionID, verdict, payload, ts)
	if err != nil {
		return nil, err
	}
	rec := Record{
		SessionID: sessionID,
		Verdict:   verdict,
		Payload:   payload,
		Timestamp: ts,
		EntryHash: h,
	}

	s.mu.Lock()
	s.next++
	rec.EntryID = fmt.Sprintf("%016x", s.next)
	s.records = append(s.records, rec)
	s.mu.Unlock()

	return &vault.FallbackReceipt{Sealer: s.Name(), EntryID: rec.EntryID, EntryHash: h}, nil
}

// Records returns up to limit records after the given entry ID, oldest
// first. limit <= 0 returns all.
func (s *MemorySealer) Records(_ context.Context, after string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].EntryID > after })
	rest := s.records[i:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]Record, len(rest))
	copy(out, rest)
	return out, nil
}

// Remove deletes a reconciled record.
func (s *MemorySealer) Remove(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.EntryID == entryID {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("fallback record %s: %w", entryID, vault.ErrNotFound)
}
