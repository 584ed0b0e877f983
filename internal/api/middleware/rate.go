package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig throttles control API callers
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// IdleTTL drops per-client limiters that have not been seen for this long
	IdleTTL time.Duration
	// Skip exempts a request, e.g. metrics scrapes and health probes
	Skip func(c *gin.Context) bool
}

// DefaultRateLimitConfig returns the control API rate limit configuration.
// Health probes and metrics scrapes are exempt.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		IdleTTL:           10 * time.Minute,
		Skip:              SkipProbes,
	}
}

// SkipProbes exempts /health and /metrics
func SkipProbes(c *gin.Context) bool {
	switch c.Request.URL.Path {
	case "/health", "/metrics":
		return true
	}
	return false
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per caller address
type clientLimiters struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func (l *clientLimiters) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.IdleTTL > 0 && now.Sub(l.lastSweep) > l.cfg.IdleTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > l.cfg.IdleTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RateLimit throttles each client IP separately. Rejected requests get 429
// with a Retry-After hint.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	limiters := &clientLimiters{cfg: cfg, entries: make(map[string]*limiterEntry), lastSweep: time.Now()}
	return limitWith(cfg, func(c *gin.Context) *rate.Limiter {
		return limiters.get(c.ClientIP(), time.Now())
	})
}

// GlobalRateLimit throttles all callers through one bucket
func GlobalRateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	return limitWith(cfg, func(*gin.Context) *rate.Limiter { return limiter })
}

func limitWith(cfg RateLimitConfig, pick func(*gin.Context) *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Skip != nil && cfg.Skip(c) {
			c.Next()
			return
		}

		if !pick(c).Allow() {
			c.Header("Retry-After", retryAfter(cfg.RequestsPerSecond))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// retryAfter is the whole seconds until one token refills
func retryAfter(rps int) string {
	if rps <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(rps)))))
}
