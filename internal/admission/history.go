package admission

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// LedgerHistory reads the memory ledger as the engine's warm-up history.
type LedgerHistory struct {
	Ledger vault.Ledger
}

// Recent returns up to n of the most recently sealed items, oldest first.
// Entries without a query field are skipped.
func (h LedgerHistory) Recent(ctx context.Context, n int) ([]eureka.HistoryItem, error) {
	head, err := h.Ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	start := head.LastSequence - int64(n)
	if start < 0 {
		start = 0
	}

	var items []eureka.HistoryItem
	cursor := ""
	if start > 0 {
		cursor = strconv.FormatInt(start, 10)
	}
	for {
		page, err := h.Ledger.ListEntries(ctx, cursor, vault.MaxPageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range page.Entries {
			var body struct {
				Query    string `json:"query"`
				Response string `json:"response"`
			}
			if err := json.Unmarshal(e.Payload.Bytes(), &body); err != nil || body.Query == "" {
				continue
			}
			items = append(items, eureka.HistoryItem{Query: body.Query, Response: body.Response})
		}
		if !page.HasMore || page.NextCursor == nil {
			return items, nil
		}
		cursor = *page.NextCursor
	}
}
