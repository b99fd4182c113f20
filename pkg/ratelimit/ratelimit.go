// Package ratelimit provides request rate limiting for the auth endpoints
// and a general per-client throttle for the rest of the app.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned once a client key exhausts its attempts for the
// current window. The client can retry after the window elapses.
var ErrRateLimited = errors.New("too many attempts, try again later")

// DefaultCleanupInterval is how often stale buckets are swept.
const DefaultCleanupInterval = 5 * time.Minute

// bucket counts attempts for one client key within the current window.
type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window attempt counter keyed by client identifier
// (typically the remote IP). It is used only on login-entry endpoints, where
// the thing being limited is discrete attempts rather than request volume.
//
// Buckets live in memory only; a restart forgives outstanding attempts.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	limit  int
	window time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewLimiter creates a Limiter allowing limit attempts per window for each
// client key and starts its background sweep of stale buckets.
func NewLimiter(limit int, window time.Duration) *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*bucket),
		limit:       limit,
		window:      window,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Close stops the background sweep and waits for it to finish.
func (l *Limiter) Close() error {
	close(l.stopCleanup)
	<-l.cleanupDone
	return nil
}

func (l *Limiter) cleanupLoop() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.cleanupStale()
		}
	}
}

// cleanupStale drops buckets whose window has long elapsed so the map does
// not grow with every client ever seen.
func (l *Limiter) cleanupStale() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) > l.window {
			delete(l.buckets, key)
		}
	}
}

// Allow records an attempt for the client key. It returns ErrRateLimited
// once the attempt count for the current window exceeds the limit; the
// first attempt of a fresh window always succeeds.
func (l *Limiter) Allow(key string) error {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return nil
	}

	b.count++
	if b.count > l.limit {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the bucket for the client key. Called after a successful
// login so a user who finally got it right is not still paying for earlier
// failures (reset-on-success policy).
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
