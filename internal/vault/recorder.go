package vault

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// Path names the store that served an append.
type Path string

const (
	PathPrimary  Path = "primary"
	PathFallback Path = "fallback"
	PathNone     Path = "none"
)

// Durability levels reported to callers.
const (
	DurabilityDurable  = "durable"
	DurabilityDegraded = "degraded"
	DurabilityNone     = "none"
)

// FallbackReceipt is returned by a Sealer. It carries no chain position and
// no Merkle commitment.
type FallbackReceipt struct {
	Sealer    string           `json:"sealer"`
	EntryID   string           `json:"entry_id"`
	EntryHash canonical.Digest `json:"entry_hash"`
}

// Sealer is the degraded-mode store used when the primary ledger cannot
// commit. Its records are not hash-chained and cannot be verified with
// VerifyChain.
type Sealer interface {
	Name() string
	Seal(ctx context.Context, sessionID string, verdict Verdict, payload canonical.Document) (*FallbackReceipt, error)
}

// Outcome describes how a Record call was served.
type Outcome struct {
	Ledger           string           `json:"ledger"`
	Path             Path             `json:"path"`
	Durability       string           `json:"durability"`
	RequestedVerdict Verdict          `json:"requested_verdict"`
	Verdict          Verdict          `json:"verdict"`
	Receipt          *Receipt         `json:"receipt,omitempty"`
	Fallback         *FallbackReceipt `json:"fallback,omitempty"`
}

// FailClosedError is returned when the primary ledger could not durably
// commit. A requested SEAL is reported as VOID.
type FailClosedError struct {
	Outcome *Outcome
	Cause   error
}

func (e *FailClosedError) Error() string {
	return fmt.Sprintf("ledger %s unavailable, verdict %s forced to %s: %v",
		e.Outcome.Ledger, e.Outcome.RequestedVerdict, e.Outcome.Verdict, e.Cause)
}

func (e *FailClosedError) Unwrap() error { return e.Cause }

// Recorder is the write path in front of a Ledger. It validates payloads,
// appends them and enforces the fail-closed policy.
type Recorder struct {
	ledger   Ledger
	schema   *canonical.Schema
	fallback Sealer
	logger   *zap.Logger

	metricsRecord func(ledger string, path Path, verdict Verdict)
}

// NewRecorder creates a Recorder. schema and fallback may be nil.
func NewRecorder(ledger Ledger, schema *canonical.Schema, fallback Sealer, logger *zap.Logger) *Recorder {
	return &Recorder{ledger: ledger, schema: schema, fallback: fallback, logger: logger}
}

// SetMetricsRecord sets a callback invoked after each Record outcome.
func (r *Recorder) SetMetricsRecord(fn func(ledger string, path Path, verdict Verdict)) {
	r.metricsRecord = fn
}

// Ledger returns the primary ledger.
func (r *Recorder) Ledger() Ledger { return r.ledger }

// Record appends req to the primary ledger.
//
// On success the outcome carries the receipt and a nil error. Validation
// errors and ErrConcurrencyConflict are returned as-is; the entry was not
// recorded and the caller may retry. Any other failure returns a
// *FailClosedError wrapping ErrStorageUnavailable: no receipt is issued, a
// requested SEAL becomes VOID, and the record is written to the fallback
// sealer when one is configured.
func (r *Recorder) Record(ctx context.Context, req AppendRequest) (*Outcome, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if err := r.schema.Validate(req.Payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	receipt, err := r.ledger.Append(ctx, req)
	if err == nil {
		out := &Outcome{
			Ledger:           r.ledger.Name(),
			Path:             PathPrimary,
			Durability:       DurabilityDurable,
			RequestedVerdict: req.Verdict,
			Verdict:          req.Verdict,
			Receipt:          receipt,
		}
		r.record(out)
		return out, nil
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidVerdict) || errors.Is(err, ErrInvalidPayload) {
		return nil, err
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		err = fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	out := &Outcome{
		Ledger:           r.ledger.Name(),
		Path:             PathNone,
		Durability:       DurabilityNone,
		RequestedVerdict: req.Verdict,
		Verdict:          failClosedVerdict(req.Verdict),
	}
	r.logger.Error("ledger append failed, failing closed",
		zap.String("ledger", out.Ledger),
		zap.String("session_id", req.SessionID),
		zap.String("requested_verdict", string(out.RequestedVerdict)),
		zap.String("verdict", string(out.Verdict)),
		zap.Error(err),
	)

	if r.fallback != nil {
		payload, perr := req.Payload.With("fail_closed", map[string]any{
			"ledger":            out.Ledger,
			"requested_verdict": out.RequestedVerdict,
			"seal_id":           req.SealID.String(),
			"authority":         req.Authority,
		})
		if perr != nil {
			payload = req.Payload
		}
		fb, ferr := r.fallback.Seal(context.WithoutCancel(ctx), req.SessionID, out.Verdict, payload)
		if ferr != nil {
			r.logger.Error("fallback sealer failed",
				zap.String("sealer", r.fallback.Name()), zap.Error(ferr))
		} else {
			out.Path = PathFallback
			out.Durability = DurabilityDegraded
			out.Fallback = fb
			r.logger.Warn("verdict recorded on degraded fallback path",
				zap.String("sealer", fb.Sealer), zap.String("entry_id", fb.EntryID))
		}
	}

	r.record(out)
	return out, &FailClosedError{Outcome: out, Cause: err}
}

func (r *Recorder) record(out *Outcome) {
	if r.metricsRecord != nil {
		r.metricsRecord(out.Ledger, out.Path, out.Verdict)
	}
}

func failClosedVerdict(requested Verdict) Verdict {
	if requested == VerdictSeal {
		return VerdictVoid
	}
	return requested
}
