// ABOUTME: Per-IP in-memory rate limiter for media uploads.
// ABOUTME: Uses golang.org/x/time/rate with background cleanup of idle entries.
package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
	evictTTL time.Duration
	lastSeen map[string]time.Time
	stop     chan struct{}
	once     sync.Once
}

func newIPRateLimiter(r rate.Limit, burst int, evictTTL time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		r:        r,
		burst:    burst,
		evictTTL: evictTTL,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the given IP is within its rate limit.
func (rl *ipRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[ip] = l
	}
	rl.lastSeen[ip] = time.Now()
	return l.Allow()
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *ipRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// retryAfter is the whole number of seconds until one token is available.
func (rl *ipRateLimiter) retryAfter() int {
	if rl.r <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/float64(rl.r))))
}

func (rl *ipRateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-rl.evictTTL)
	for ip, last := range rl.lastSeen {
		if last.Before(cutoff) {
			delete(rl.limiters, ip)
			delete(rl.lastSeen, ip)
		}
	}
}

func (rl *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.evictTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

// uploadRateLimit returns a middleware that applies per-IP rate limiting.
// The IP is extracted from r.RemoteAddr; srv.realIP must run first so
// X-Forwarded-For is honoured for requests from a trusted reverse proxy.
func (srv *Server) uploadRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !srv.uploadLimiter.Allow(ip) {
				w.Header().Set("Retry-After", strconv.Itoa(srv.uploadLimiter.retryAfter()))
				writeError(w, r, http.StatusTooManyRequests, "upload rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
