//go:build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// Property: EntryHash(f) == EntryHash(f') whenever f' carries the same
// logical payload built in a different insertion order.
func TestEntryHashOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("payload key order never changes the hash", prop.ForAll(
		func(keys []string, values []string, session string) bool {
			forward := make(map[string]any)
			reverse := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if v, ok := forward[keys[i]]; ok {
					reverse[keys[i]] = v
				}
			}
			f1 := fields(canonical.MustDocument(forward))
			f2 := fields(canonical.MustDocument(reverse))
			f1.SessionID, f2.SessionID = session, session

			h1, err1 := canonical.EntryHash(f1)
			h2, err2 := canonical.EntryHash(f2)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
