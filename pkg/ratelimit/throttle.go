package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/homiehq/homie/pkg/logger"
)

// Throttle is a chi-style middleware applying a per-client token-bucket
// limit across the whole app, independent of the login attempt counter.
// It is the Go rendition of a blanket "n requests per hour" default limit.
type Throttle struct {
	mu        sync.Mutex
	clients   map[string]*throttleEntry
	lastSweep time.Time

	limit rate.Limit
	burst int

	// idleAfter is the time a bucket takes to refill completely; an entry
	// idle that long behaves exactly like a fresh one and can be dropped.
	idleAfter time.Duration
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a Throttle allowing roughly perHour requests per hour
// per client, with a burst of burst.
func NewThrottle(perHour int, burst int) *Throttle {
	interval := time.Hour / time.Duration(perHour)
	return &Throttle{
		clients:   make(map[string]*throttleEntry),
		lastSweep: time.Now(),
		limit:     rate.Every(interval),
		burst:     burst,
		idleAfter: time.Duration(burst) * interval,
	}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.sweepIdle(now)

	e, ok := t.clients[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// sweepIdle drops entries whose bucket has fully refilled, so the map does
// not grow with every client ever seen. Called with the mutex held.
func (t *Throttle) sweepIdle(now time.Time) {
	if now.Sub(t.lastSweep) < t.idleAfter {
		return
	}
	for key, e := range t.clients {
		if now.Sub(e.lastSeen) >= t.idleAfter {
			delete(t.clients, key)
		}
	}
	t.lastSweep = now
}

// Handler wraps next with the throttle.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)
		if !t.limiter(key).Allow() {
			logger.Warnw("request throttled", "client", key, "path", r.URL.Path)
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey derives the rate-limit key for a request: the remote IP without
// the ephemeral port.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
