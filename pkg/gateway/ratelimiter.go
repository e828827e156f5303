package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket per remote host
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	limit      rate.Limit
	burst      int
	idleTTL    time.Duration
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with burst per
// host. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		idleTTL:    10 * time.Minute,
	}
}

// Allow consumes one token for key
func (l *RateLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	now := time.Now()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.lastAccess[key] = now
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// AllowRequest applies Allow to the request's remote host
func (l *RateLimiter) AllowRequest(r *http.Request) bool {
	return l.Allow(clientKey(r))
}

// Cleanup drops limiters idle longer than the TTL and returns how many were removed.
func (l *RateLimiter) Cleanup() int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTTL)
	removed := 0
	for key, last := range l.lastAccess {
		if last.Before(cutoff) {
			delete(l.limiters, key)
			delete(l.lastAccess, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked hosts
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
