// Package vault implements the append-only, hash-chained, Merkle-committed
// ledger that records governance verdicts.
//
// Each entry commits to its predecessor through PrevHash (the first entry
// chains from canonical.Genesis) and carries the Merkle root over all entry
// hashes up to and including itself. Appends are serialized by one write
// primitive per ledger; reads work on consistent snapshots and never wait
// for that primitive.
//
// Three implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for tests and development.
//   - PostgresLedger: durable, serialized by a transaction-scoped advisory lock.
//   - BadgerLedger: embedded, serialized by a single-writer lock.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/merkle"
)

// Well-known ledger names. Compliance records every verdict; memory holds
// only content promoted by the admission filter.
const (
	ComplianceLedger = "compliance"
	MemoryLedgerName = "memory"
)

// Verdict is the governance outcome recorded by an entry.
type Verdict string

const (
	VerdictSeal    Verdict = "SEAL"
	VerdictVoid    Verdict = "VOID"
	VerdictPartial Verdict = "PARTIAL"
	VerdictSabar   Verdict = "SABAR"
)

// Verdicts lists every valid verdict.
var Verdicts = []Verdict{VerdictSeal, VerdictVoid, VerdictPartial, VerdictSabar}

// ParseVerdict accepts a verdict name in any case.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidVerdict, s)
	}
	return v, nil
}

// Valid reports whether v is one of Verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictSeal, VerdictVoid, VerdictPartial, VerdictSabar:
		return true
	}
	return false
}

// Entry is a single committed ledger record. Entries are immutable.
type Entry struct {
	Sequence   int64              `json:"sequence"`
	SessionID  string             `json:"session_id"`
	SealID     uuid.UUID          `json:"seal_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Authority  string             `json:"authority"`
	Verdict    Verdict            `json:"verdict"`
	Payload    canonical.Document `json:"payload"`
	EntryHash  canonical.Digest   `json:"entry_hash"`
	PrevHash   canonical.Digest   `json:"prev_hash"`
	MerkleRoot canonical.Digest   `json:"merkle_root"`
}

// Fields returns the hashed content of e.
func (e *Entry) Fields() canonical.EntryFields {
	return canonical.EntryFields{
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Authority: e.Authority,
		Verdict:   string(e.Verdict),
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
		SealID:    e.SealID.String(),
	}
}

// ComputeHash recomputes the entry hash from stored content.
func (e *Entry) ComputeHash() (canonical.Digest, error) {
	return canonical.EntryHash(e.Fields())
}

// Receipt confirms a durable append.
type Receipt struct {
	Ledger     string           `json:"ledger"`
	Sequence   int64            `json:"sequence"`
	EntryHash  canonical.Digest `json:"entry_hash"`
	PrevHash   canonical.Digest `json:"prev_hash"`
	MerkleRoot canonical.Digest `json:"merkle_root"`
	SealID     uuid.UUID        `json:"seal_id"`
	Timestamp  time.Time        `json:"timestamp"`
}

func receiptFor(ledger string, e *Entry) *Receipt {
	return &Receipt{
		Ledger:     ledger,
		Sequence:   e.Sequence,
		EntryHash:  e.EntryHash,
		PrevHash:   e.PrevHash,
		MerkleRoot: e.MerkleRoot,
		SealID:     e.SealID,
		Timestamp:  e.Timestamp,
	}
}

// AppendRequest is the caller-supplied content of a new entry.
type AppendRequest struct {
	SessionID string
	Verdict   Verdict
	Payload   canonical.Document
	Authority string
	// SealID is generated when zero.
	SealID uuid.UUID
}

// ChainHead is the store-wide pointer updated atomically with every append.
type ChainHead struct {
	Ledger        string           `json:"ledger"`
	LastSequence  int64            `json:"last_sequence"`
	ChainHeadHash canonical.Digest `json:"chain_head_hash"`
	MerkleRoot    canonical.Digest `json:"merkle_root"`
	Frontier      *merkle.Frontier `json:"merkle_frontier"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func emptyHead(ledger string) *ChainHead {
	return &ChainHead{
		Ledger:        ledger,
		ChainHeadHash: canonical.Genesis,
		MerkleRoot:    merkle.Empty,
		Frontier:      &merkle.Frontier{},
	}
}

// VerifyResult reports the outcome of a full chain walk.
type VerifyResult struct {
	Valid                bool   `json:"valid"`
	Entries              int64  `json:"entries"`
	FirstInvalidSequence *int64 `json:"first_invalid_sequence"`
	Reason               string `json:"reason,omitempty"`
}

// Err returns an *IntegrityError when the chain is invalid, nil otherwise.
func (r *VerifyResult) Err() error {
	if r.Valid || r.FirstInvalidSequence == nil {
		return nil
	}
	return &IntegrityError{Sequence: *r.FirstInvalidSequence, Reason: r.Reason}
}

// Page is one slice of a forward scan in sequence order.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor *string  `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// VerdictQuery filters entries by verdict and an optional [Start, End) range.
type VerdictQuery struct {
	Verdict Verdict
	Start   *time.Time
	End     *time.Time
	Limit   int
}

func (q VerdictQuery) matches(e *Entry) bool {
	if e.Verdict != q.Verdict {
		return false
	}
	if q.Start != nil && e.Timestamp.Before(*q.Start) {
		return false
	}
	if q.End != nil && !e.Timestamp.Before(*q.End) {
		return false
	}
	return true
}

// MerkleProof is an inclusion proof of one entry against the current root.
type MerkleProof struct {
	Sequence int64            `json:"sequence"`
	Root     canonical.Digest `json:"root"`
	Proof    *merkle.Proof    `json:"proof"`
}

// Ledger is an append-only, hash-chained audit log.
type Ledger interface {
	// Name identifies the ledger within its store.
	Name() string

	// Append durably records a new entry and returns its receipt. It never
	// returns a receipt for an entry that was not committed.
	Append(ctx context.Context, req AppendRequest) (*Receipt, error)

	// VerifyChain recomputes every entry hash, the chain linkage and the
	// recorded Merkle roots, reporting the first sequence that disagrees.
	VerifyChain(ctx context.Context) (*VerifyResult, error)

	// GetEntry returns the entry at seq or ErrNotFound.
	GetEntry(ctx context.Context, seq int64) (*Entry, error)

	// EntriesBySession returns all entries of a session in sequence order.
	EntriesBySession(ctx context.Context, sessionID string) ([]*Entry, error)

	// ListEntries pages forward from cursor (exclusive). An empty cursor
	// starts at the first entry.
	ListEntries(ctx context.Context, cursor string, limit int) (*Page, error)

	// QueryByVerdict returns matching entries in sequence order.
	QueryByVerdict(ctx context.Context, q VerdictQuery) ([]*Entry, error)

	// MerkleProof returns an inclusion proof for seq or ErrNotFound.
	MerkleProof(ctx context.Context, seq int64) (*MerkleProof, error)

	// Head returns the current chain head.
	Head(ctx context.Context) (*ChainHead, error)

	// Close releases the ledger's resources.
	Close() error
}
