// Package fallback provides degraded-mode sealers used when the primary
// ledger cannot commit. Records written here are individually hashed but are
// neither chained nor Merkle-committed; they exist so operators can
// reconcile them into the primary ledger once it recovers.
package fallback

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// Record is one degraded-mode record.
type Record struct {
	EntryID   string             `json:"entry_id"`
	SessionID string             `json:"session_id"`
	Verdict   vault.Verdict      `json:"verdict"`
	Payload   canonical.Document `json:"payload"`
	Timestamp time.Time          `json:"timestamp"`
	EntryHash canonical.Digest   `json:"entry_hash"`
}

type recordContent struct {
	SessionID string             `json:"session_id"`
	Verdict   vault.Verdict      `json:"verdict"`
	Payload   canonical.Document `json:"payload"`
	Timestamp string             `json:"timestamp"`
}

// hashRecord returns SHA-256 over the canonical form of the record content.
func hashRecord(sessionID string, verdict vault.Verdict, payload canonical.Document, ts time.Time) (canonical.Digest, error) {
	doc, err := canonical.NewDocument(recordContent{
		SessionID: sessionID,
		Verdict:   verdict,
		Payload:   payload,
		Timestamp: canonical.Timestamp(ts).Format(canonical.TimeLayout),
	})
	if err != nil {
		return canonical.Digest{}, fmt.Errorf("canonicalize fallback record: %w", err)
	}
	return canonical.Sum(doc.Bytes()), nil
}

// Verify reports whether r's EntryHash matches its content.
func (r *Record) Verify() bool {
	h, err := hashRecord(r.SessionID, r.Verdict, r.Payload, r.Timestamp)
	return err == nil && h == r.EntryHash
}
