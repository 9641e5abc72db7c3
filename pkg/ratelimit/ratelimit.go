package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. The status API keys by client,
// the feature-service task keys by service host.
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

// NewLimiter creates a new rate limiter
// rps: requests per second
// burst: maximum burst size
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// GetLimiter returns a rate limiter for the given key
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.limiters[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Wait blocks until the key's bucket has a token or ctx is done
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.GetLimiter(key).Wait(ctx)
}

// Middleware creates an HTTP middleware for rate limiting
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CleanupOldLimiters removes limiters not used within maxAge and returns
// how many were dropped
func (l *Limiter) CleanupOldLimiters(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// IPKeyFunc extracts the IP address from the request as the rate limit key
func IPKeyFunc(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// APIKeyFunc extracts the API key header as the rate limit key
func APIKeyFunc(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}
