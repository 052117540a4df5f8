package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// simpleRateLimiter is a fixed-window counter per key. Single-instance only; each replica
// enforces its own budget.
type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{limit: limit, window: window, clock: clock, store: make(map[string]rateEntry)}
}

// Allow consumes one slot for key and reports the wait until the window resets when denied.
func (l *simpleRateLimiter) Allow(key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || !now.Before(entry.reset) {
		l.prune(now)
		l.store[key] = rateEntry{count: 1, reset: now.Add(l.window)}
		return true, 0
	}
	if entry.count >= l.limit {
		return false, entry.reset.Sub(now)
	}
	entry.count++
	l.store[key] = entry
	return true, 0
}

func (l *simpleRateLimiter) prune(now time.Time) {
	for key, entry := range l.store {
		if !now.Before(entry.reset) {
			delete(l.store, key)
		}
	}
}
