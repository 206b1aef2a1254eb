// Package admission routes evaluated candidates to their destination:
// SEAL items are promoted to the memory ledger, SABAR items wait in the
// cooling tier and TRANSIENT items are discarded.
package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// Authority is recorded on every entry the service appends.
const Authority = "eureka"

// Candidate is a (query, response, context) triple offered for admission.
type Candidate struct {
	SessionID string             `json:"session_id"`
	Query     string             `json:"query"`
	Response  string             `json:"response"`
	Context   canonical.Document `json:"context"`
}

// Decision describes where a candidate ended up.
type Decision struct {
	Score     *eureka.Score  `json:"score"`
	Verdict   eureka.Verdict `json:"verdict"`
	Receipt   *vault.Receipt `json:"receipt,omitempty"`
	CoolingID string         `json:"cooling_id,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Dropped   bool           `json:"dropped,omitempty"`
}

// Service ties the engine, the memory ledger and the cooling store together.
type Service struct {
	engine  *eureka.Engine
	memory  vault.Ledger
	cooling cooling.Store
	logger  *zap.Logger

	metricsRecord func(verdict eureka.Verdict, reconsidered bool)
}

// NewService creates a Service.
func NewService(engine *eureka.Engine, memory vault.Ledger, store cooling.Store, logger *zap.Logger) *Service {
	return &Service{engine: engine, memory: memory, cooling: store, logger: logger}
}

// SetMetricsRecord sets a callback invoked with every routing decision.
func (s *Service) SetMetricsRecord(fn func(verdict eureka.Verdict, reconsidered bool)) {
	s.metricsRecord = fn
}

// Engine returns the underlying scoring engine.
func (s *Service) Engine() *eureka.Engine { return s.engine }

// Cooling returns the cooling store.
func (s *Service) Cooling() cooling.Store { return s.cooling }

// Evaluate scores a candidate without routing it. The engine still
// remembers non-TRANSIENT items.
func (s *Service) Evaluate(ctx context.Context, c Candidate) (*eureka.Score, error) {
	sig, err := eureka.ParseSignals(c.Context)
	if err != nil {
		return nil, err
	}
	return s.engine.Evaluate(ctx, c.Query, c.Response, sig)
}

// Admit evaluates c and routes it. When the memory ledger rejects a SEAL
// the candidate is held in cooling instead and the append error returned.
func (s *Service) Admit(ctx context.Context, c Candidate) (*Decision, error) {
	sig, err := eureka.ParseSignals(c.Context)
	if err != nil {
		return nil, err
	}
	score, err := s.engine.Evaluate(ctx, c.Query, c.Response, sig)
	if err != nil {
		return nil, err
	}
	d := &Decision{Score: score, Verdict: score.Verdict}
	defer s.record(d.Verdict, false)

	switch score.Verdict {
	case eureka.Seal:
		receipt, err := s.promote(ctx, c, score, "")
		if err != nil {
			if id, herr := s.hold(ctx, &cooling.Item{
				SessionID: c.SessionID, Query: c.Query, Response: c.Response,
				Context: c.Context, Score: score,
			}); herr == nil {
				d.CoolingID = id
			}
			return d, err
		}
		d.Receipt = receipt
	case eureka.Sabar:
		id, err := s.hold(ctx, &cooling.Item{
			SessionID: c.SessionID, Query: c.Query, Response: c.Response,
			Context: c.Context, Score: score,
		})
		if err != nil {
			return d, err
		}
		d.CoolingID = id
	default:
		d.Dropped = true
	}

	s.logger.Debug("candidate admitted",
		zap.String("session_id", c.SessionID),
		zap.String("verdict", string(d.Verdict)),
		zap.Float64("composite", score.Composite),
	)
	return d, nil
}

// Reconsider re-scores a cooled item. SEAL promotes it to the memory
// ledger, SABAR keeps it with one more attempt, TRANSIENT drops it.
func (s *Service) Reconsider(ctx context.Context, id string) (*Decision, error) {
	it, err := s.cooling.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sig, err := eureka.ParseSignals(it.Context)
	if err != nil {
		return nil, err
	}
	score, err := s.engine.Rescore(ctx, it.Query, it.Response, sig)
	if err != nil {
		return nil, err
	}
	d := &Decision{Score: score, Verdict: score.Verdict, CoolingID: id, Attempts: it.Attempts + 1}
	defer s.record(d.Verdict, true)

	switch score.Verdict {
	case eureka.Seal:
		c := Candidate{SessionID: it.SessionID, Query: it.Query, Response: it.Response, Context: it.Context}
		receipt, err := s.promote(ctx, c, score, id)
		if err != nil {
			return d, err
		}
		d.Receipt = receipt
		if err := s.cooling.Remove(ctx, id); err != nil && !errors.Is(err, cooling.ErrNotFound) {
			s.logger.Warn("promoted item left in cooling", zap.String("cooling_id", id), zap.Error(err))
		}
	case eureka.Sabar:
		it.Attempts++
		it.Score = score
		if err := s.cooling.Hold(ctx, it); err != nil {
			return d, fmt.Errorf("keep cooling item: %w", err)
		}
	default:
		d.Dropped = true
		if err := s.cooling.Remove(ctx, id); err != nil && !errors.Is(err, cooling.ErrNotFound) {
			return d, fmt.Errorf("drop cooling item: %w", err)
		}
	}
	return d, nil
}

func (s *Service) promote(ctx context.Context, c Candidate, score *eureka.Score, coolingID string) (*vault.Receipt, error) {
	fields := map[string]any{
		"query":    c.Query,
		"response": c.Response,
		"context":  c.Context,
		"score":    score,
	}
	if coolingID != "" {
		fields["cooling_id"] = coolingID
	}
	payload, err := canonical.NewDocument(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vault.ErrInvalidPayload, err)
	}
	receipt, err := s.memory.Append(ctx, vault.AppendRequest{
		SessionID: c.SessionID,
		Verdict:   vault.VerdictSeal,
		Payload:   payload,
		Authority: Authority,
	})
	if err != nil {
		s.logger.Error("memory ledger append failed",
			zap.String("session_id", c.SessionID), zap.Error(err))
		return nil, fmt.Errorf("promote to memory ledger: %w", err)
	}
	return receipt, nil
}

func (s *Service) hold(ctx context.Context, it *cooling.Item) (string, error) {
	if err := s.cooling.Hold(ctx, it); err != nil {
		s.logger.Error("cooling hold failed", zap.String("session_id", it.SessionID), zap.Error(err))
		return "", fmt.Errorf("hold in cooling: %w", err)
	}
	return it.ID, nil
}

func (s *Service) record(v eureka.Verdict, reconsidered bool) {
	if s.metricsRecord != nil {
		s.metricsRecord(v, reconsidered)
	}
}
