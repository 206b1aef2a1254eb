// Package badgerdb opens the embedded BadgerDB store used by the badger
// ledger backend and the cooling tier, and runs its value-log GC.
package badgerdb

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config controls how the database is opened.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Intended for tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Required for a durable ledger.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the discardable fraction that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings for the given directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for a throwaway in-memory database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB wraps a badger.DB together with its GC loop.
type DB struct {
	*badger.DB
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config, logger *zap.Logger) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&zapAdapter{logger: logger.Sugar()})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: bdb, logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(db.done)
	}
	return db, nil
}

// OpenInMemory opens an in-memory database.
func OpenInMemory(logger *zap.Logger) (*DB, error) {
	return Open(InMemoryConfig(), logger)
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			err := d.RunValueLogGC(ratio)
			switch {
			case err == nil:
				d.logger.Debug("badger value log GC completed")
			case !errors.Is(err, badger.ErrNoRewrite):
				d.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

// Close stops the GC loop and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
		err = d.DB.Close()
	})
	return err
}

// zapAdapter routes badger's internal logging to zap. Info is demoted to
// debug because badger is chatty at startup.
type zapAdapter struct {
	logger *zap.SugaredLogger
}

func (a *zapAdapter) Errorf(format string, args ...any)   { a.logger.Errorf(format, args...) }
func (a *zapAdapter) Warningf(format string, args ...any) { a.logger.Warnf(format, args...) }
func (a *zapAdapter) Infof(format string, args ...any)    { a.logger.Debugf(format, args...) }
func (a *zapAdapter) Debugf(format string, args ...any)   { a.logger.Debugf(format, args...) }
