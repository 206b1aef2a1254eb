package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/VaultLedger/internal/auth"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges every request to its client address.
func ByClientIP(c *gin.Context) string { return "ip:" + c.ClientIP() }

// ByAuthority charges a write to the token subject that signed it, falling
// back to the client address when auth is disabled. Mount it after
// auth.RequireScope so the claims are present.
func ByAuthority(c *gin.Context) string {
	if claims := auth.ClaimsFromCtx(c); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return ByClientIP(c)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit is a keyed token-bucket limiter. Scope labels its rejections in
// vault_rate_limited_total.
type RateLimit struct {
	scope string
	rps   rate.Limit
	burst int
	key   KeyFunc
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimit creates a limiter allowing rps requests per second per key,
// with bursts up to burst. A nil key charges by client address.
func NewRateLimit(scope string, rps float64, burst int, key KeyFunc) *RateLimit {
	if key == nil {
		key = ByClientIP
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimit{
		scope:   scope,
		rps:     rate.Limit(rps),
		burst:   burst,
		key:     key,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Middleware returns the Gin handler enforcing the limit.
func (l *RateLimit) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(l.key(c)) {
			vaultRateLimited.WithLabelValues(l.scope).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *RateLimit) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Sweep drops buckets idle for longer than ten minutes and returns how many
// were removed.
func (l *RateLimit) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (l *RateLimit) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
