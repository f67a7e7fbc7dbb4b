package ratelimit

import (
	"context"
	"sync"
	"time"
)

// staleSweepSeconds is how often Allow drops windows nothing touched. Keys
// an admin deleted would otherwise pin counters forever.
const staleSweepSeconds = 60

// windowCounter tracks hits inside one second for one limiter key.
type windowCounter struct {
	startSec int64
	hits     int
}

// MemoryLimiter counts per-key hits in fixed one-second windows. It is the
// always-available backend; Redis takes over only when configured and
// reachable.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowCounter
	sweepAt int64 // next stale sweep, unix seconds
}

// NewMemoryLimiter constructs an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*windowCounter)}
}

// Allow counts one hit against the key's current window. A zero limit or
// blank key disables the check.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	sec := now.Unix()
	reset := time.Unix(sec+1, 0).UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(sec)

	w := l.windows[key]
	if w == nil || w.startSec != sec {
		w = &windowCounter{startSec: sec}
		l.windows[key] = w
	}
	if w.hits >= limit {
		return Result{Allowed: false, Reset: reset}, nil
	}
	w.hits++
	return Result{Allowed: true, Remaining: limit - w.hits, Reset: reset}, nil
}

// sweep drops windows that closed before the current second. Runs at most
// once per sweep period, under the caller's lock.
func (l *MemoryLimiter) sweep(sec int64) {
	if l.sweepAt == 0 {
		l.sweepAt = sec + staleSweepSeconds
		return
	}
	if sec < l.sweepAt {
		return
	}
	l.sweepAt = sec + staleSweepSeconds
	for key, w := range l.windows {
		if w.startSec < sec {
			delete(l.windows, key)
		}
	}
}
