package fallback

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// Source is a sealer whose records can be listed and removed.
type Source interface {
	vault.Sealer
	// Records returns up to limit records whose EntryID sorts after the
	// given one, oldest first. An empty after starts at the beginning.
	Records(ctx context.Context, after string, limit int) ([]Record, error)
	Remove(ctx context.Context, entryID string) error
}

// ReconcilerAuthority is recorded as the authority of replayed entries.
const ReconcilerAuthority = "fallback-reconciler"

// provenanceKey holds the fallback origin in a replayed entry's payload.
const provenanceKey = "reconciled_from"

type provenance struct {
	Sealer  string `json:"sealer"`
	EntryID string `json:"entry_id"`
}

// Reconcile replays every fallback record into the primary ledger in its
// original order, reading batch records at a time, and removes each one
// once it has a receipt. Records whose hash no longer matches their content
// are skipped and left in place for an operator. A record that already has
// a replayed entry in the ledger is removed without appending it again.
// Reconcile stops at the first append failure and returns the number of
// records cleared from the source.
func Reconcile(ctx context.Context, src Source, ledger vault.Ledger, batch int, logger *zap.Logger) (int, error) {
	done := 0
	after := ""
	for {
		records, err := src.Records(ctx, after, batch)
		if err != nil {
			return done, err
		}
		for _, rec := range records {
			after = rec.EntryID
			if !rec.Verify() {
				logger.Warn("fallback record hash mismatch, skipping",
					zap.String("sealer", src.Name()), zap.String("entry_id", rec.EntryID))
				continue
			}
			if err := reconcileOne(ctx, src, ledger, rec, logger); err != nil {
				return done, err
			}
			done++
		}
		if batch <= 0 || len(records) < batch {
			return done, nil
		}
	}
}

func reconcileOne(ctx context.Context, src Source, ledger vault.Ledger, rec Record, logger *zap.Logger) error {
	seq, err := replayedAt(ctx, ledger, src.Name(), rec)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", rec.EntryID, err)
	}
	if seq == 0 {
		payload, err := rec.Payload.With(provenanceKey, map[string]any{
			"sealer":     src.Name(),
			"entry_id":   rec.EntryID,
			"entry_hash": rec.EntryHash,
			"sealed_at":  rec.Timestamp,
		})
		if err != nil {
			return err
		}
		receipt, err := ledger.Append(ctx, vault.AppendRequest{
			SessionID: rec.SessionID,
			Verdict:   rec.Verdict,
			Payload:   payload,
			Authority: ReconcilerAuthority,
		})
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", rec.EntryID, err)
		}
		seq = receipt.Sequence
	} else {
		logger.Info("fallback record already replayed, removing",
			zap.String("entry_id", rec.EntryID), zap.Int64("sequence", seq))
	}

	if err := src.Remove(ctx, rec.EntryID); err != nil {
		return fmt.Errorf("remove reconciled %s: %w", rec.EntryID, err)
	}
	logger.Info("fallback record reconciled",
		zap.String("entry_id", rec.EntryID),
		zap.String("ledger", ledger.Name()),
		zap.Int64("sequence", seq),
	)
	return nil
}

// replayedAt returns the sequence of an earlier replay of rec, or 0.
func replayedAt(ctx context.Context, ledger vault.Ledger, sealer string, rec Record) (int64, error) {
	entries, err := ledger.EntriesBySession(ctx, rec.SessionID)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Authority != ReconcilerAuthority {
			continue
		}
		raw, ok := e.Payload.Field(provenanceKey)
		if !ok {
			continue
		}
		var p provenance
		if json.Unmarshal(raw, &p) == nil && p.Sealer == sealer && p.EntryID == rec.EntryID {
			return e.Sequence, nil
		}
	}
	return 0, nil
}
