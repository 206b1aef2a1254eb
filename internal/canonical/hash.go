package canonical

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimeLayout is the fixed textual form of entry timestamps inside the hash
// preimage. Timestamps carry microsecond precision, the resolution of
// PostgreSQL timestamptz, so a stored entry hashes identically after a round trip.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp normalizes t to UTC with microsecond precision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// EntryFields is the logical content covered by an entry hash.
type EntryFields struct {
	SessionID string
	Timestamp time.Time
	Authority string
	Verdict   string
	Payload   Document
	PrevHash  Digest
	SealID    string
}

type preimage struct {
	Authority string          `json:"authority"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	SealID    string          `json:"seal_id"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Verdict   string          `json:"verdict"`
}

// Preimage returns the canonical JSON bytes hashed by EntryHash.
func Preimage(f EntryFields) ([]byte, error) {
	b, err := json.Marshal(preimage{
		Authority: f.Authority,
		Payload:   f.Payload.Bytes(),
		PrevHash:  f.PrevHash.String(),
		SealID:    f.SealID,
		SessionID: f.SessionID,
		Timestamp: Timestamp(f.Timestamp).Format(TimeLayout),
		Verdict:   f.Verdict,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	out, err := jcs.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entry: %w", err)
	}
	return out, nil
}

// EntryHash computes SHA-256 over the canonical form of f. A zero PrevHash
// is Genesis. The function has no side effects.
func EntryHash(f EntryFields) (Digest, error) {
	b, err := Preimage(f)
	if err != nil {
		return Digest{}, err
	}
	return Sum(b), nil
}
