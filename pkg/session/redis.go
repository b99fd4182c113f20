package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/homiehq/homie/pkg/auth"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// keyPrefix namespaces homie keys in a shared Redis instance.
const keyPrefix = "homie:session:"

// RedisStore implements Store backed by Redis, letting sessions survive
// process restarts and be shared between replicas.
//
// The session record and the in-flight handshake secrets live under separate
// keys: consuming the flow is a single GETDEL, which is what makes state and
// nonce single-use even with concurrent callbacks.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func flowKey(id string) string {
	return keyPrefix + id + ":flow"
}

// storedFlow is the serializable form of Flow. The ID token lives on the
// session record, so only the handshake secrets are stored here.
type storedFlow struct {
	State string `json:"state"`
	Nonce string `json:"nonce"`
}

func (s *RedisStore) put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrNotFound
	}

	if err := s.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisStore) fetch(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	// Redis expiry is authoritative, but double-check the record's own
	// expiry in case the clock moved past it between SET and GET.
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}

	return &sess, nil
}

// Create makes a new session with a fresh ID and CSRF token.
func (s *RedisStore) Create(ctx context.Context, identity *auth.Identity, ttl time.Duration) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        NewToken(),
		Identity:  identity,
		CSRFToken: NewToken(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.fetch(ctx, id)
}

// Touch extends the session's expiry (sliding expiration).
func (s *RedisStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	sess, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}
	sess.ExpiresAt = time.Now().Add(ttl)
	if err := s.put(ctx, sess); err != nil {
		return err
	}
	// Keep the flow key's lifetime aligned with the session.
	s.client.Expire(ctx, flowKey(id), ttl)
	return nil
}

// Destroy removes the session and any flow state; absent sessions are a no-op.
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id), flowKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// SetFlow attaches handshake secrets to the session.
func (s *RedisStore) SetFlow(ctx context.Context, id string, flow *Flow) error {
	sess, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(storedFlow{State: flow.State, Nonce: flow.Nonce})
	if err != nil {
		return fmt.Errorf("failed to marshal flow state: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if err := s.client.Set(ctx, flowKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store flow state: %w", err)
	}
	return nil
}

// ConsumeFlow returns the handshake secrets and erases them in one atomic
// GETDEL, so a replayed callback can never observe them twice.
func (s *RedisStore) ConsumeFlow(ctx context.Context, id string) (*Flow, error) {
	if _, err := s.fetch(ctx, id); err != nil {
		return nil, err
	}

	data, err := s.client.GetDel(ctx, flowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoFlow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	var stored storedFlow
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state: %w", err)
	}
	return &Flow{State: stored.State, Nonce: stored.Nonce}, nil
}

// Promote turns a provisional session into an authenticated one.
func (s *RedisStore) Promote(
	ctx context.Context,
	id string,
	identity *auth.Identity,
	flags map[string]bool,
	idToken string,
	ttl time.Duration,
) error {
	sess, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}

	sess.Identity = identity
	sess.FeatureFlags = flags
	sess.IDToken = idToken
	sess.ExpiresAt = time.Now().Add(ttl)

	if err := s.put(ctx, sess); err != nil {
		return err
	}
	return s.client.Del(ctx, flowKey(id)).Err()
}
