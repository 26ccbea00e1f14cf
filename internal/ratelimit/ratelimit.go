// Package ratelimit provides per-API-key request rate limiting with a
// sliding window over requests-per-minute. Supports in-memory (single
// instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether a request is allowed, the remaining quota,
// and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter implements rate limiting with in-memory windows.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	w, ok := r.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		r.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
