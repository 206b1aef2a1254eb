// Package audit periodically walks every ledger's chain and reports the
// result. It never repairs: an invalid chain is surfaced with the first
// sequence that disagrees and left for an operator.
package audit

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// Config holds auditor configuration.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// StatusFunc is called after every check with the ledger's name and result.
// err is non-nil when the chain could not be read at all.
type StatusFunc func(ledger string, res *vault.VerifyResult, err error)

// Auditor runs VerifyChain on a fixed set of ledgers.
type Auditor struct {
	ledgers  []vault.Ledger
	cfg      Config
	onStatus StatusFunc
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]*vault.VerifyResult
}

// New creates an Auditor.
func New(ledgers []vault.Ledger, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Auditor{
		ledgers: ledgers,
		cfg:     cfg,
		logger:  logger,
		last:    make(map[string]*vault.VerifyResult),
	}
}

// SetStatusFunc configures the status callback.
func (a *Auditor) SetStatusFunc(fn StatusFunc) {
	a.onStatus = fn
}

// Start checks every ledger immediately and then on every tick until quit
// is signalled.
func (a *Auditor) Start(quit <-chan os.Signal) {
	a.runOnce()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.runOnce()
		case <-quit:
			return
		}
	}
}

func (a *Auditor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	a.CheckAll(ctx)
}

// CheckAll verifies every ledger concurrently and waits for the results.
func (a *Auditor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range a.ledgers {
		wg.Add(1)
		go func(l vault.Ledger) {
			defer wg.Done()
			a.check(ctx, l)
		}(l)
	}
	wg.Wait()
}

func (a *Auditor) check(ctx context.Context, l vault.Ledger) {
	name := l.Name()
	res, err := l.VerifyChain(ctx)

	a.mu.Lock()
	prev := a.last[name]
	if err == nil {
		a.last[name] = res
	} else {
		delete(a.last, name)
	}
	a.mu.Unlock()

	switch {
	case err != nil:
		a.logger.Error("audit: verify chain", zap.String("ledger", name), zap.Error(err))
	case !res.Valid:
		a.logger.Warn("audit: integrity violation",
			zap.String("ledger", name),
			zap.Int64p("first_invalid_sequence", res.FirstInvalidSequence),
			zap.String("reason", res.Reason),
		)
	case prev != nil && !prev.Valid:
		a.logger.Info("audit: chain valid again", zap.String("ledger", name), zap.Int64("entries", res.Entries))
	default:
		a.logger.Debug("audit: chain valid", zap.String("ledger", name), zap.Int64("entries", res.Entries))
	}

	if a.onStatus != nil {
		a.onStatus(name, res, err)
	}
}

// Last returns the most recent successful result for ledger, if any.
func (a *Auditor) Last(ledger string) (*vault.VerifyResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.last[ledger]
	return res, ok
}

// Healthy reports whether every ledger's last check completed and was valid.
func (a *Auditor) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.ledgers {
		res, ok := a.last[l.Name()]
		if !ok || !res.Valid {
			return false
		}
	}
	return true
}
