package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jmerrifield20/VaultLedger/internal/admission"
	"github.com/jmerrifield20/VaultLedger/internal/audit"
	"github.com/jmerrifield20/VaultLedger/internal/auth"
	"github.com/jmerrifield20/VaultLedger/internal/config"
	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/fallback"
	"github.com/jmerrifield20/VaultLedger/internal/handler"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
	"github.com/jmerrifield20/VaultLedger/internal/webhooks"
)

// healthService is the gRPC health service name reported for the ledgers.
const healthService = "vaultledger.Ledger"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("vaultd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, found, err := config.Load(config.New())
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Ledgers ──────────────────────────────────────────────────────────────
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, l := range []vault.Ledger{st.compliance, st.memory} {
		res, err := l.VerifyChain(ctx)
		switch {
		case err != nil:
			logger.Warn("startup verification failed", zap.String("ledger", l.Name()), zap.Error(err))
		case !res.Valid:
			logger.Warn("ledger integrity check FAILED",
				zap.String("ledger", l.Name()),
				zap.Int64p("first_invalid_sequence", res.FirstInvalidSequence),
				zap.String("reason", res.Reason))
		default:
			head, _ := l.Head(ctx)
			logger.Info("ledger verified",
				zap.String("ledger", l.Name()),
				zap.Int64("entries", res.Entries),
				zap.Stringer("merkle_root", head.MerkleRoot))
		}
	}

	schema, err := loadSchema(cfg.Ledger.PayloadSchema)
	if err != nil {
		return err
	}
	sealer, closeSealer, err := openFallback(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSealer()

	alerts := newAlerts(cfg.Webhooks, logger)
	defer alerts.Wait()

	recorder := vault.NewRecorder(st.compliance, schema, sealer, logger)
	recorder.SetMetricsRecord(func(ledger string, path vault.Path, verdict vault.Verdict) {
		handler.RecordAppend(ledger, path, verdict)
		if path != vault.PathPrimary {
			alerts.Dispatch(ctx, webhooks.EventFailClosed, map[string]string{
				"ledger":  ledger,
				"path":    string(path),
				"verdict": string(verdict),
			})
		}
	})

	// ── Admission filter ─────────────────────────────────────────────────────
	engine := eureka.NewEngine(eureka.Config{
		CacheSize:     cfg.Eureka.CacheSize,
		CompareWindow: cfg.Eureka.CompareWindow,
		WarmupItems:   cfg.Eureka.WarmupItems,
		LoadTimeout:   cfg.Eureka.LoadTimeout,
	}, admission.LedgerHistory{Ledger: st.memory}, logger)
	engine.SetObserver(handler.ObserveScore)
	admissions := admission.NewService(engine, st.memory, st.cooling, logger)
	admissions.SetMetricsRecord(handler.RecordAdmission)

	// ── Auth ─────────────────────────────────────────────────────────────────
	var tokens *auth.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		logger.Info("bearer-token auth enabled for writes")
	} else {
		logger.Warn("auth disabled; set auth.jwt_secret to require tokens on writes")
	}

	ledgerHandler := handler.NewLedgerHandler([]*vault.Recorder{recorder}, []vault.Ledger{st.memory}, logger)
	ledgerHandler.SetTokenIssuer(tokens)
	eurekaHandler := handler.NewEurekaHandler(admissions, logger)
	eurekaHandler.SetTokenIssuer(tokens)
	if rps := cfg.Server.WriteRateLimitRPS; rps > 0 {
		writes := handler.NewRateLimit("write", rps, cfg.Server.WriteRateBurst, handler.ByAuthority)
		ledgerHandler.SetWriteLimit(writes)
		eurekaHandler.SetWriteLimit(writes)
		go every(ctx, 5*time.Minute, func(context.Context) { writes.Sweep() })
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	})

	bodyLimit := cfg.Server.BodyLimitBytes
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)
		c.Next()
	})

	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		global := handler.NewRateLimit("global", float64(rps), rps*2, handler.ByClientIP)
		router.Use(global.Middleware())
		go every(ctx, 5*time.Minute, func(context.Context) { global.Sweep() })
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "admission_degraded": engine.Degraded()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	ledgerHandler.Register(v1)
	eurekaHandler.Register(v1)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcServer := grpc.NewServer()
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)

	// ── Background jobs ──────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	auditor := audit.New([]vault.Ledger{st.compliance, st.memory}, audit.Config{
		Interval: cfg.Audit.Interval,
		Timeout:  cfg.Audit.Timeout,
	}, logger)
	auditor.SetStatusFunc(func(ledger string, res *vault.VerifyResult, err error) {
		handler.RecordAudit(ledger, res, err)
		if err == nil && !res.Valid {
			alerts.Dispatch(ctx, webhooks.EventIntegrityViolation, integrityPayload(ledger, res))
		}
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !auditor.Healthy() {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus(healthService, status)
	})
	auditQuit := make(chan os.Signal, 1)
	go auditor.Start(auditQuit)

	go every(ctx, cfg.Cooling.EvictInterval, func(ctx context.Context) {
		if st.evict != nil {
			if n := st.evict(); n > 0 {
				logger.Info("cooling items expired", zap.Int("count", n))
			}
		}
		if n, err := st.cooling.Len(ctx); err == nil {
			handler.SetCoolingItems(n)
		}
	})

	go every(ctx, cfg.Eureka.RecoverInterval, func(ctx context.Context) {
		if engine.Recover(ctx) {
			logger.Info("admission history recovered, leaving degraded mode")
		}
	})

	if sealer != nil && cfg.Fallback.ReconcileInterval > 0 {
		go every(ctx, cfg.Fallback.ReconcileInterval, func(ctx context.Context) {
			n, err := fallback.Reconcile(ctx, sealer, st.compliance, 100, logger)
			if err != nil {
				logger.Warn("fallback reconciliation stopped", zap.Int("reconciled", n), zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("fallback records reconciled", zap.Int("count", n))
			}
		})
	}

	// ── Servers ──────────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("vaultd HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("backend", string(cfg.Ledger.Backend)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	if cfg.Server.GRPCPort > 0 {
		grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
		}
		go func() {
			logger.Info("vaultd gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcServer.Serve(grpcLis); err != nil {
				logger.Error("gRPC serve error", zap.Error(err))
			}
		}()
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down vaultd...")
	close(auditQuit)
	cancel()
	healthSvc.Shutdown()
	grpcServer.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("vaultd stopped")
	return nil
}

// every runs fn on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			jobCtx, cancel := context.WithTimeout(ctx, interval)
			fn(jobCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// newAlerts builds the webhook dispatcher from config.
func newAlerts(cfgs []config.WebhookConfig, logger *zap.Logger) *webhooks.Dispatcher {
	targets := make([]webhooks.Target, 0, len(cfgs))
	for _, c := range cfgs {
		targets = append(targets, webhooks.Target{URL: c.URL, Secret: c.Secret, Events: c.Events})
	}
	d := webhooks.NewDispatcher(targets, logger)
	d.SetMetricsRecorder(handler.RecordWebhookDelivery)
	if d.Enabled() {
		logger.Info("alert webhooks enabled", zap.Int("targets", len(targets)))
	}
	return d
}

func integrityPayload(ledger string, res *vault.VerifyResult) map[string]string {
	p := map[string]string{
		"ledger":  ledger,
		"entries": strconv.FormatInt(res.Entries, 10),
		"reason":  res.Reason,
	}
	if res.FirstInvalidSequence != nil {
		p["first_invalid_sequence"] = strconv.FormatInt(*res.FirstInvalidSequence, 10)
	}
	return p
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
