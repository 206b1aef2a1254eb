package eureka

import (
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// ngramSize is the character n-gram length used for similarity.
const ngramSize = 3

type gramSet map[string]struct{}

// normalize lowercases s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint is BLAKE2b-256 over the normalized query and response.
func Fingerprint(query, response string) canonical.Digest {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(normalize(query)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(response)))
	var d canonical.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// ngrams returns the character trigrams of normalized text. Text shorter
// than one trigram yields itself as a single gram.
func ngrams(text string) gramSet {
	runes := []rune(text)
	set := make(gramSet)
	if len(runes) == 0 {
		return set
	}
	if len(runes) < ngramSize {
		set[text] = struct{}{}
		return set
	}
	for i := 0; i+ngramSize <= len(runes); i++ {
		set[string(runes[i:i+ngramSize])] = struct{}{}
	}
	return set
}

// jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are identical.
func jaccard(a, b gramSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for g := range a {
		if _, ok := b[g]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity returns the trigram Jaccard similarity of two texts.
func Similarity(a, b string) float64 {
	return jaccard(ngrams(normalize(a)), ngrams(normalize(b)))
}
