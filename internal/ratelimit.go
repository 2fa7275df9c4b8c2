package internal

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	store     map[string]*rateEntry
	rps       float64
	burst     float64
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateEntry struct {
	tokens float64
	last   time.Time
}

// NewRateLimitHandler wraps next with a per-client token bucket. rps <= 0 disables limiting.
func NewRateLimitHandler(next http.Handler, rps int64, burst int64, ttl time.Duration) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := newRateLimiter(float64(rps), float64(burst), ttl)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(ClientIP(r)) {
			IncOutcome("rate_limited")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newRateLimiter(rps, burst float64, ttl time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = rps
		if burst < 1 {
			burst = 1
		}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &rateLimiter{
		store: make(map[string]*rateEntry),
		rps:   rps,
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.store[key]
	if !ok {
		l.store[key] = &rateEntry{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens += elapsed * l.rps
	if entry.tokens > l.burst {
		entry.tokens = l.burst
	}
	entry.last = now

	if entry.tokens < 1 {
		return false
	}
	entry.tokens--
	return true
}

// sweep drops idle clients; callers hold l.mu.
func (l *rateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.ttl {
		return
	}
	l.lastSweep = now
	for key, entry := range l.store {
		if now.Sub(entry.last) >= l.ttl {
			delete(l.store, key)
		}
	}
}

// ClientIP returns the host part of RemoteAddr. Request headers are never
// consulted; trusted proxy headers are applied upstream by middleware.RealIP.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
