package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Throttle bounds submissions per client IP at the HTTP edge. It is an
// in-process soft limit in front of the distributed per-domain windows, so a
// single noisy client cannot burn the shared budget.
//
// Sliding one-minute windows per key; expired windows are garbage-collected
// in the background.
type Throttle struct {
	mu      sync.Mutex
	windows map[string]*throttleWindow
	limit   int
	now     func() time.Time
}

type throttleWindow struct {
	count       int
	windowStart time.Time
}

// NewThrottle creates a throttle allowing limit requests per key per minute.
func NewThrottle(limit int) *Throttle {
	if limit <= 0 {
		limit = 120
	}
	t := &Throttle{
		windows: make(map[string]*throttleWindow),
		limit:   limit,
		now:     time.Now,
	}
	go t.cleanup()
	return t
}

// Allow reports whether a request from key fits the current window.
func (t *Throttle) Allow(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	window, ok := t.windows[key]
	if !ok || now.Sub(window.windowStart) > time.Minute {
		t.windows[key] = &throttleWindow{count: 1, windowStart: now}
		return true
	}
	window.count++
	if window.count > t.limit {
		slog.Warn("[API] Client throttled", "key", key, "count", window.count)
		return false
	}
	return true
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := t.now().Add(-2 * time.Minute)
		t.mu.Lock()
		for key, window := range t.windows {
			if window.windowStart.Before(cutoff) {
				delete(t.windows, key)
			}
		}
		t.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
