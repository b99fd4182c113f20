package session

import (
	"context"
	"sync"
	"time"

	"github.com/homiehq/homie/pkg/auth"
)

// DefaultCleanupInterval is how often the background sweep for expired
// sessions runs.
const DefaultCleanupInterval = 5 * time.Minute

// memoryEntry wraps a session together with its flow state. Flow state is
// kept alongside rather than inside the serialized session so the single-use
// consumption is a store operation, not a caller convention.
type memoryEntry struct {
	session *Session
	flow    *Flow
}

// MemoryStore implements Store with an in-process map.
//
// All mutations happen under a single write lock, which also satisfies the
// requirement that writes for one session ID are serialized. Suitable for a
// single-instance deployment; use RedisStore to survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup
// goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:        make(map[string]*memoryEntry),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired sessions. Expired keys are collected under
// the read lock first to keep the write lock hold time short.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for id, e := range s.sessions {
		if now.After(e.session.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range expired {
		// Re-check under the write lock: the session may have been touched
		// between the two phases.
		if e, ok := s.sessions[id]; ok && now.After(e.session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

// copySession returns a caller-owned copy so handlers can never mutate
// stored state outside of a store operation.
func copySession(src *Session) *Session {
	dst := *src
	if src.Identity != nil {
		id := *src.Identity
		dst.Identity = &id
	}
	if src.FeatureFlags != nil {
		dst.FeatureFlags = make(map[string]bool, len(src.FeatureFlags))
		for k, v := range src.FeatureFlags {
			dst.FeatureFlags[k] = v
		}
	}
	return &dst
}

// Create makes a new session with a fresh ID and CSRF token.
func (s *MemoryStore) Create(_ context.Context, identity *auth.Identity, ttl time.Duration) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        NewToken(),
		Identity:  identity,
		CSRFToken: NewToken(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &memoryEntry{session: sess}
	s.mu.Unlock()

	return copySession(sess), nil
}

// Get returns the session or ErrNotFound, lazily evicting expired records.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.session.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	return copySession(e.session), nil
}

// Touch extends the session's expiry (sliding expiration).
func (s *MemoryStore) Touch(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || time.Now().After(e.session.ExpiresAt) {
		return ErrNotFound
	}
	e.session.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// Destroy removes the session; destroying an absent session is a no-op.
func (s *MemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// SetFlow attaches handshake secrets to the session.
func (s *MemoryStore) SetFlow(_ context.Context, id string, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || time.Now().After(e.session.ExpiresAt) {
		return ErrNotFound
	}
	f := *flow
	e.flow = &f
	return nil
}

// ConsumeFlow returns the handshake secrets and erases them atomically.
func (s *MemoryStore) ConsumeFlow(_ context.Context, id string) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || time.Now().After(e.session.ExpiresAt) {
		return nil, ErrNotFound
	}
	if e.flow == nil {
		return nil, ErrNoFlow
	}
	flow := e.flow
	e.flow = nil
	return flow, nil
}

// Promote turns a provisional session into an authenticated one.
func (s *MemoryStore) Promote(
	_ context.Context,
	id string,
	identity *auth.Identity,
	flags map[string]bool,
	idToken string,
	ttl time.Duration,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || time.Now().After(e.session.ExpiresAt) {
		return ErrNotFound
	}

	e.session.Identity = identity
	e.session.FeatureFlags = flags
	e.session.IDToken = idToken
	e.session.ExpiresAt = time.Now().Add(ttl)
	e.flow = nil
	return nil
}
