package eureka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// Config holds engine defaults.
type Config struct {
	// CacheSize bounds the history cache.
	CacheSize int
	// CompareWindow is how many recent items novelty is measured against.
	CompareWindow int
	// WarmupItems is how many items are loaded from history on first use.
	WarmupItems int
	// LoadTimeout bounds one history load.
	LoadTimeout time.Duration
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{CacheSize: 1000, CompareWindow: 100, WarmupItems: 500, LoadTimeout: 10 * time.Second}
}

// Engine evaluates candidates. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	source  HistorySource
	cache   *historyCache
	logger  *zap.Logger
	observe func(*Score)
}

// NewEngine creates an Engine that warms its cache from source. A nil
// source starts with an empty history.
func NewEngine(cfg Config, source HistorySource, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CompareWindow <= 0 {
		cfg.CompareWindow = def.CompareWindow
	}
	if cfg.WarmupItems <= 0 {
		cfg.WarmupItems = def.WarmupItems
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		cache:  newHistoryCache(cfg.CacheSize),
		logger: logger,
	}
}

// SetObserver sets a callback invoked with every score produced.
func (e *Engine) SetObserver(fn func(*Score)) { e.observe = fn }

// Degraded reports whether the history cache failed to populate.
func (e *Engine) Degraded() bool { return e.cache.degraded.Load() }

// CacheLen returns the number of cached history items.
func (e *Engine) CacheLen() int { return e.cache.len() }

// Reload drops the cache and repopulates it from the history source,
// leaving degraded mode if the source has recovered.
func (e *Engine) Reload(ctx context.Context) {
	e.cache.reset()
	e.cache.ensureLoaded(ctx, e.source, e.cfg.WarmupItems, e.cfg.LoadTimeout, e.logger)
}

// Recover reloads the cache only when the engine is degraded and reports
// whether it left degraded mode.
func (e *Engine) Recover(ctx context.Context) bool {
	if !e.Degraded() {
		return false
	}
	e.Reload(ctx)
	return !e.Degraded()
}

// Evaluate scores a candidate and, unless it is TRANSIENT, remembers it.
func (e *Engine) Evaluate(ctx context.Context, query, response string, signals Signals) (*Score, error) {
	return e.evaluate(ctx, query, response, signals, false)
}

// Rescore re-evaluates an item that was previously held for cooling. The
// item's own history entry does not count against its novelty.
func (e *Engine) Rescore(ctx context.Context, query, response string, signals Signals) (*Score, error) {
	return e.evaluate(ctx, query, response, signals, true)
}

func (e *Engine) evaluate(ctx context.Context, query, response string, signals Signals, self bool) (*Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.cache.ensureLoaded(ctx, e.source, e.cfg.WarmupItems, e.cfg.LoadTimeout, e.logger)

	nq, nr := normalize(query), normalize(response)
	fp := Fingerprint(query, response)
	grams := ngrams(nq)

	s := &Score{Fingerprint: fp}
	var exclude *canonical.Digest
	if self {
		exclude = &fp
	}

	switch {
	case e.cache.degraded.Load():
		s.Degraded = true
		s.Novelty = 1
	case !self && e.cache.contains(fp):
		s.ExactDuplicate = true
		s.JaccardSimilarity = 1
		s.Novelty = 0
	default:
		best, compared := e.cache.maxSimilarity(grams, e.cfg.CompareWindow, exclude)
		s.JaccardSimilarity = best
		s.Novelty = 1
		if compared {
			s.Novelty = 1 - best
		}
		if hasIndicator(nq, nr) {
			s.Novelty = clamp(s.Novelty + indicatorBonus)
		}
	}

	s.EntropyReduction = EntropyReduction(signals.EntropyDelta)
	s.OntologicalShift = OntologicalShift(signals)
	s.DecisionWeight = DecisionWeight(signals)
	s.Composite = CompositeScore(s.Novelty, s.EntropyReduction, s.OntologicalShift, s.DecisionWeight)
	s.Verdict = Route(s.Composite)

	if s.Verdict != Transient {
		e.cache.add(fp, grams)
	}

	e.logger.Debug("admission evaluated",
		zap.String("fingerprint", fp.String()),
		zap.Float64("composite", s.Composite),
		zap.String("verdict", string(s.Verdict)),
		zap.Bool("degraded", s.Degraded),
	)
	if e.observe != nil {
		e.observe(s)
	}
	return s, nil
}

// Contains reports whether the fingerprint of (query, response) is cached.
func (e *Engine) Contains(query, response string) bool {
	return e.cache.contains(Fingerprint(query, response))
}
