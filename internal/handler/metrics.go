package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/VaultLedger/internal/eureka"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

var (
	vaultRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	vaultRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	vaultAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_appends_total",
		Help: "Ledger writes by ledger, path served and effective verdict.",
	}, []string{"ledger", "path", "verdict"})

	vaultFailClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_fail_closed_total",
		Help: "Appends that failed closed, by ledger.",
	}, []string{"ledger"})

	vaultAuditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_audit_checks_total",
		Help: "Chain verification runs by ledger and result.",
	}, []string{"ledger", "result"})

	vaultAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_admission_decisions_total",
		Help: "Admission filter decisions by verdict and source.",
	}, []string{"verdict", "source"})

	vaultAdmissionScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vault_admission_composite_score",
		Help:    "Composite scores produced by the admission filter.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	vaultAdmissionDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_admission_degraded",
		Help: "1 while the admission filter runs without history.",
	})

	vaultCoolingItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_cooling_items",
		Help: "Items currently held in the cooling tier.",
	})

	vaultWebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_webhook_deliveries_total",
		Help: "Alert webhook delivery attempts by result.",
	}, []string{"result"})

	vaultRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_rate_limited_total",
		Help: "Requests rejected by a rate limit, by scope.",
	}, []string{"scope"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		vaultRequestsTotal.WithLabelValues(method, path, status).Inc()
		vaultRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a Recorder outcome.
func RecordAppend(ledger string, path vault.Path, verdict vault.Verdict) {
	vaultAppendsTotal.WithLabelValues(ledger, string(path), string(verdict)).Inc()
	if path != vault.PathPrimary {
		vaultFailClosedTotal.WithLabelValues(ledger).Inc()
	}
}

// RecordAudit records a chain verification result.
func RecordAudit(ledger string, res *vault.VerifyResult, err error) {
	result := "valid"
	switch {
	case err != nil:
		result = "error"
	case !res.Valid:
		result = "invalid"
	}
	vaultAuditsTotal.WithLabelValues(ledger, result).Inc()
}

// RecordAdmission records a routing decision.
func RecordAdmission(verdict eureka.Verdict, reconsidered bool) {
	source := "admit"
	if reconsidered {
		source = "reconsider"
	}
	vaultAdmissionsTotal.WithLabelValues(string(verdict), source).Inc()
}

// ObserveScore records a score and the engine's degraded state.
func ObserveScore(s *eureka.Score) {
	vaultAdmissionScore.Observe(s.Composite)
	if s.Degraded {
		vaultAdmissionDegraded.Set(1)
	} else {
		vaultAdmissionDegraded.Set(0)
	}
}

// SetCoolingItems sets the cooling size gauge.
func SetCoolingItems(n int) {
	vaultCoolingItems.Set(float64(n))
}

// RecordWebhookDelivery counts one alert delivery attempt.
func RecordWebhookDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	vaultWebhookDeliveries.WithLabelValues(result).Inc()
}
