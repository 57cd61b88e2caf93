package router

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// RateLimiter caps inbound envelopes per user in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[int64]*clientLimit
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit envelopes per window for each user. Zero values
// fall back to 100 per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		clients: make(map[int64]*clientLimit),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// Allow records one envelope from userID and reports whether it fits the
// current window.
func (rl *RateLimiter) Allow(userID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[userID]
	if !exists {
		rl.clients[userID] = &clientLimit{count: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.count = 1
		limit.windowStart = now
		return true
	}

	if limit.count >= rl.limit {
		return false
	}
	limit.count++
	return true
}

// Forget drops userID's window.
func (rl *RateLimiter) Forget(userID int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, userID)
}

// Cleanup removes users idle for more than five windows and returns how many
// were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
			removed++
		}
	}
	return removed
}
