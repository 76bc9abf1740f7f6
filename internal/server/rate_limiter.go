package server

import (
	"sync"
	"time"
)

// attachLimiter caps how often one remote address may open a new
// attachment, so a flapping client cannot churn sessions.
type attachLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func newAttachLimiter(limit int, interval time.Duration) *attachLimiter {
	return &attachLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *attachLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[addr]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[addr] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[addr] = fresh
	return true
}
