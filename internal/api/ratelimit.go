package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter is a sliding-window request limiter keyed by client IP.
type rateLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	requests map[string][]time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:      max,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// allow slides the window for ip and reports whether the request may
// proceed. When the limit is hit it returns the whole seconds until the
// oldest slot expires, minimum 1.
func (rl *rateLimiter) allow(ip string) (bool, int) {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	timestamps := rl.requests[ip][:0:len(rl.requests[ip])]
	for _, ts := range rl.requests[ip] {
		if ts.After(cutoff) {
			timestamps = append(timestamps, ts)
		}
	}
	rl.requests[ip] = timestamps

	if len(timestamps) >= rl.max {
		retryAfter := int(rl.window-now.Sub(timestamps[0])) / int(time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		} else {
			retryAfter++
		}
		return false, retryAfter
	}

	rl.requests[ip] = append(timestamps, now)
	return true, 0
}

// SweepStale removes entries for IPs with no requests inside the window.
// Returns the number of entries removed.
func (rl *rateLimiter) SweepStale() int {
	cutoff := time.Now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, timestamps := range rl.requests {
		stale := true
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(rl.requests, ip)
			removed++
		}
	}
	return removed
}

// rateLimitMiddleware enforces the per-IP sliding window, skipping /healthz
// so probes are never throttled.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		ok, retryAfter := s.limiter.allow(ip)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.writeDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
