package auth

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/featherbase/featherbase/internal/config"
)

// Limit is one rate limit setting: sustained rate plus burst.
type Limit struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting. Per-route
// overrides loaded from the _ratelimits collection take precedence
// over the configured defaults; SetOverrides swaps them atomically.
type RateLimiter struct {
	config config.RateLimitConfig

	mu        sync.Mutex
	global    *tokenBucket
	clients   map[string]*tokenBucket
	overrides map[string]Limit // route prefix -> limit

	hits atomic.Uint64
}

// RateLimiterStats reports limiter counters.
type RateLimiterStats struct {
	Hits uint64 `json:"hits"`
}

// Stats returns current counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{Hits: rl.hits.Load()}
}

// tokenBucket implements the token bucket algorithm.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:    cfg,
		clients:   make(map[string]*tokenBucket),
		overrides: make(map[string]Limit),
	}

	if cfg.Enabled {
		rl.global = newTokenBucket(float64(cfg.BurstSize), float64(cfg.RequestsPerSecond))
	}

	return rl
}

// newTokenBucket creates a new token bucket.
func newTokenBucket(maxTokens, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a request is allowed and consumes a token if so.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}

	return false
}

// remaining returns the number of remaining tokens.
func (tb *tokenBucket) remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return int(tb.tokens)
}

// SetOverrides replaces the per-route limits. Buckets created under
// the old limits are dropped so the new limits take effect.
func (rl *RateLimiter) SetOverrides(overrides map[string]Limit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.overrides = overrides
	rl.clients = make(map[string]*tokenBucket)
}

// limitFor resolves the limit for a request path: the longest matching
// override prefix wins, otherwise the configured default.
func (rl *RateLimiter) limitFor(path string) (Limit, string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	best := ""
	limit := Limit{
		RequestsPerSecond: rl.config.RequestsPerSecond,
		BurstSize:         rl.config.BurstSize,
	}
	for prefix, l := range rl.overrides {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
			limit = l
		}
	}
	return limit, best
}

// Middleware returns HTTP middleware for rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		limit, route := rl.limitFor(r.URL.Path)

		var bucket *tokenBucket
		if rl.config.PerClient {
			key := getClientIP(r) + "|" + route
			bucket = rl.getClientBucket(key, limit)
		} else if route != "" {
			bucket = rl.getClientBucket("|"+route, limit)
		} else {
			bucket = rl.global
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.RequestsPerSecond))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(bucket.remaining()))

		if !bucket.allow() {
			rl.hits.Add(1)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientBucket returns the token bucket for a client/route pair.
func (rl *RateLimiter) getClientBucket(key string, limit Limit) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.clients[key]
	if !ok {
		bucket = newTokenBucket(float64(limit.BurstSize), float64(limit.RequestsPerSecond))
		rl.clients[key] = bucket
	}

	return bucket
}

// getClientIP extracts the client IP from a request.
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}

// CleanupStaleClients removes client buckets that haven't been used recently.
func (rl *RateLimiter) CleanupStaleClients(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, bucket := range rl.clients {
		bucket.mu.Lock()
		if now.Sub(bucket.lastRefill) > maxAge {
			delete(rl.clients, key)
		}
		bucket.mu.Unlock()
	}
}
