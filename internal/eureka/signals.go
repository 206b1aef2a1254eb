package eureka

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// ErrInvalidSignals is returned for a malformed decision context.
var ErrInvalidSignals = errors.New("invalid decision context")

// Lane is the severity lane a request was handled in.
type Lane string

const (
	LaneNone    Lane = ""
	LaneCrisis  Lane = "CRISIS"
	LaneFactual Lane = "FACTUAL"
	LaneCare    Lane = "CARE"
	LaneSocial  Lane = "SOCIAL"
)

var laneWeights = map[Lane]float64{
	LaneCrisis:  0.25,
	LaneFactual: 0.15,
	LaneCare:    0.10,
	LaneSocial:  0.05,
}

// Weight returns the lane's decision-weight contribution.
func (l Lane) Weight() float64 { return laneWeights[l] }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Lane) UnmarshalText(b []byte) error {
	v := Lane(strings.ToUpper(strings.TrimSpace(string(b))))
	if _, ok := laneWeights[v]; !ok && v != LaneNone {
		return fmt.Errorf("%w: unknown lane %q", ErrInvalidSignals, string(b))
	}
	*l = v
	return nil
}

// Signals is the typed decision context supplied with an evaluation.
type Signals struct {
	// EntropyDelta is the signed change in confusion; negative is good.
	EntropyDelta float64 `json:"entropy_delta"`

	CanonChange             bool `json:"canon_change"`
	CodeModification        bool `json:"code_modification"`
	StructuralNovelty       bool `json:"structural_novelty"`
	ConstitutionalAmendment bool `json:"constitutional_amendment"`

	Irreversible       bool `json:"irreversible"`
	MaxSeverityVerdict bool `json:"max_severity_verdict"`
	Stakeholders       int  `json:"stakeholders"`
	Lane               Lane `json:"lane"`
}

// ParseSignals decodes a decision context document. Unknown keys are ignored.
func ParseSignals(doc canonical.Document) (Signals, error) {
	var s Signals
	if err := doc.Decode(&s); err != nil {
		if errors.Is(err, ErrInvalidSignals) {
			return Signals{}, err
		}
		return Signals{}, fmt.Errorf("%w: %v", ErrInvalidSignals, err)
	}
	if s.Stakeholders < 0 {
		return Signals{}, fmt.Errorf("%w: negative stakeholders", ErrInvalidSignals)
	}
	return s, nil
}
