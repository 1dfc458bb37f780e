// ratelimit.go throttles JSON-RPC ingress per client IP with a fixed
// window counter.
package rpc

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aabundler/aabundler/config"
)

type windowCounter struct {
	start time.Time
	count int
}

// RateLimiter enforces a per-IP request budget within a fixed window. A
// MaxRequests of zero disables limiting.
type RateLimiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*windowCounter
}

// NewRateLimiter creates a limiter with the given window and budget.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*windowCounter),
	}
}

// Allow reports whether the client identified by ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.cfg.MaxRequests <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.start) >= rl.cfg.Window {
		rl.windows[ip] = &windowCounter{start: now, count: 1}
		rl.maybeEvictLocked(now)
		return true
	}
	if w.count >= rl.cfg.MaxRequests {
		return false
	}
	w.count++
	return true
}

// maybeEvictLocked drops expired windows so the map does not grow without
// bound. Caller must hold rl.mu.
func (rl *RateLimiter) maybeEvictLocked(now time.Time) {
	if len(rl.windows) < 10_000 {
		return
	}
	for ip, w := range rl.windows {
		if now.Sub(w.start) >= rl.cfg.Window {
			delete(rl.windows, ip)
		}
	}
}

// clientIP extracts the caller address, preferring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
