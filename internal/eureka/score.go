// Package eureka implements the anomalous-contrast admission filter. It
// scores a (query, response, context) triple on novelty, entropy reduction,
// ontological shift and decision weight, and routes it to permanent memory
// (SEAL), the cooling tier (SABAR) or nowhere (TRANSIENT).
//
// The filter fails open: when its history cache cannot be populated it keeps
// scoring in degraded mode and treats every item as maximally novel.
package eureka

import (
	"strings"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// Verdict is the routing decision of an evaluation.
type Verdict string

const (
	Seal      Verdict = "SEAL"
	Sabar     Verdict = "SABAR"
	Transient Verdict = "TRANSIENT"
)

// Routing thresholds on the composite score.
const (
	SealThreshold  = 0.75
	SabarThreshold = 0.50
)

// Composite weights.
const (
	WeightNovelty          = 0.35
	WeightEntropyReduction = 0.30
	WeightOntologicalShift = 0.20
	WeightDecision         = 0.15
)

// Ontological shift indicator weights.
const (
	shiftCanonChange             = 0.4
	shiftCodeModification        = 0.3
	shiftStructuralNovelty       = 0.3
	shiftConstitutionalAmendment = 0.5
)

// Decision weight indicator weights.
const (
	decisionIrreversible    = 0.4
	decisionMaxSeverity     = 0.3
	decisionPerStakeholder  = 0.05
	decisionStakeholdersCap = 0.2
)

// indicatorBonus is added to novelty when breakthrough terms appear.
const indicatorBonus = 0.1

var indicatorTerms = []string{
	"breakthrough", "discovered", "discovery", "eureka", "first time",
	"insight", "novel", "paradigm", "unprecedented",
}

// Score is the result of one evaluation. It is never persisted on its own;
// a sealed item carries it as payload metadata.
type Score struct {
	Novelty           float64          `json:"novelty"`
	EntropyReduction  float64          `json:"entropy_reduction"`
	OntologicalShift  float64          `json:"ontological_shift"`
	DecisionWeight    float64          `json:"decision_weight"`
	Composite         float64          `json:"composite_score"`
	Verdict           Verdict          `json:"verdict"`
	Fingerprint       canonical.Digest `json:"fingerprint"`
	JaccardSimilarity float64          `json:"jaccard_similarity"`
	ExactDuplicate    bool             `json:"exact_duplicate"`
	Degraded          bool             `json:"degraded"`
}

// Route maps a composite score to a verdict.
func Route(composite float64) Verdict {
	switch {
	case composite >= SealThreshold:
		return Seal
	case composite >= SabarThreshold:
		return Sabar
	}
	return Transient
}

// CompositeScore weights the four signals.
func CompositeScore(novelty, entropy, shift, decision float64) float64 {
	return WeightNovelty*novelty +
		WeightEntropyReduction*entropy +
		WeightOntologicalShift*shift +
		WeightDecision*decision
}

// EntropyReduction maps a signed entropy delta into [0, 1]. Negative deltas
// (confusion reduced) score above 0.5.
func EntropyReduction(delta float64) float64 {
	return clamp(0.5 - delta/2)
}

// OntologicalShift sums the shift indicators present in s.
func OntologicalShift(s Signals) float64 {
	var v float64
	if s.CanonChange {
		v += shiftCanonChange
	}
	if s.CodeModification {
		v += shiftCodeModification
	}
	if s.StructuralNovelty {
		v += shiftStructuralNovelty
	}
	if s.ConstitutionalAmendment {
		v += shiftConstitutionalAmendment
	}
	return clamp(v)
}

// DecisionWeight sums the decision indicators present in s.
func DecisionWeight(s Signals) float64 {
	var v float64
	if s.Irreversible {
		v += decisionIrreversible
	}
	if s.MaxSeverityVerdict {
		v += decisionMaxSeverity
	}
	if s.Stakeholders > 0 {
		v += min(decisionStakeholdersCap, decisionPerStakeholder*float64(s.Stakeholders))
	}
	v += s.Lane.Weight()
	return clamp(v)
}

func hasIndicator(texts ...string) bool {
	for _, t := range texts {
		for _, term := range indicatorTerms {
			if strings.Contains(t, term) {
				return true
			}
		}
	}
	return false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
