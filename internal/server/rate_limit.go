package server

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter is a small in-process fixed-window limiter used to slow
// down credential-sensitive endpoints. It is per replica on purpose;
// the limits are a brake, not an accounting system.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*rateWindow),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)

	entry, ok := r.entries[key]
	if !ok || now.Sub(entry.start) >= r.window {
		r.entries[key] = &rateWindow{start: now, count: 1}
		return true
	}

	if entry.count >= r.limit {
		return false
	}
	entry.count++
	return true
}

func (r *rateLimiter) prune(now time.Time) {
	for key, entry := range r.entries {
		if now.Sub(entry.start) >= r.window {
			delete(r.entries, key)
		}
	}
}
