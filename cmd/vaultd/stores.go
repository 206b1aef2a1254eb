package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/config"
	"github.com/jmerrifield20/VaultLedger/internal/cooling"
	"github.com/jmerrifield20/VaultLedger/internal/fallback"
	"github.com/jmerrifield20/VaultLedger/internal/storage/badgerdb"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// stores holds everything opened for the configured backend.
type stores struct {
	compliance vault.Ledger
	memory     vault.Ledger
	cooling    cooling.Store
	evict      func() int

	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores opens both named ledgers and the cooling store on the
// configured backend.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}
	opts := []vault.Option{
		vault.WithLockTimeout(cfg.Ledger.LockTimeout),
		vault.WithLogger(logger),
	}

	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		s.compliance = vault.NewPostgresLedger(pool, vault.ComplianceLedger, opts...)
		s.memory = vault.NewPostgresLedger(pool, vault.MemoryLedgerName, opts...)

	case config.BackendBadger:
		bcfg := badgerdb.DefaultConfig(cfg.Badger.Path)
		bcfg.SyncWrites = cfg.Badger.SyncWrites
		bcfg.GCInterval = cfg.Badger.GCInterval
		db, err := badgerdb.Open(bcfg, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() {
			if err := db.Close(); err != nil {
				logger.Warn("close badger", zap.Error(err))
			}
		})
		logger.Info("opened badger store", zap.String("path", cfg.Badger.Path))
		s.compliance = vault.NewBadgerLedger(db, vault.ComplianceLedger, opts...)
		s.memory = vault.NewBadgerLedger(db, vault.MemoryLedgerName, opts...)
		s.cooling = cooling.NewBadgerStore(db, cfg.Cooling.Retention)

	default:
		logger.Warn("ledger backend: memory; entries are lost on restart")
		s.compliance = vault.NewMemoryLedger(vault.ComplianceLedger, opts...)
		s.memory = vault.NewMemoryLedger(vault.MemoryLedgerName, opts...)
	}

	if s.cooling == nil {
		mem := cooling.NewMemoryStore(cfg.Cooling.Retention, cfg.Cooling.Capacity)
		s.cooling = mem
		s.evict = mem.Evict
	}
	s.closers = append(s.closers, func() {
		s.compliance.Close()
		s.memory.Close()
	})
	return s, nil
}

// openFallback returns the configured degraded-mode sealer, or nil.
func openFallback(ctx context.Context, cfg *config.Config, logger *zap.Logger) (fallback.Source, func(), error) {
	switch cfg.Fallback.Kind {
	case config.FallbackRedis:
		client := fallback.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("fallback sealer: redis", zap.String("addr", cfg.Redis.Addr), zap.String("stream", cfg.Redis.Stream))
		return fallback.NewRedisSealer(client, cfg.Redis.Stream, cfg.Redis.MaxLen), func() { client.Close() }, nil
	case config.FallbackMemory:
		logger.Info("fallback sealer: memory")
		return fallback.NewMemorySealer(), func() {}, nil
	}
	logger.Warn("fallback sealer disabled; storage outages reject writes outright")
	return nil, func() {}, nil
}

// loadSchema compiles the optional payload schema.
func loadSchema(path string) (*canonical.Schema, error) {
	if path == "" {
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}
	return canonical.CompileSchema(path, string(src))
}
