package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-IP sliding-window request limit on the
// gateway. A limit of zero disables limiting.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	history   map[string][]time.Time
	lastSweep time.Time
}

// NewRateLimiter creates a limiter of limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.allow(clientIP(r)) {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Once per window, drop IPs whose whole history has aged out so the
	// map does not grow with every address ever seen.
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.lastSweep = now
		for addr, times := range rl.history {
			if len(times) == 0 || !times[len(times)-1].After(cutoff) {
				delete(rl.history, addr)
			}
		}
	}

	recent := rl.history[ip][:0]
	for _, t := range rl.history[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.limit {
		rl.history[ip] = recent
		return false
	}
	rl.history[ip] = append(recent, now)
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
