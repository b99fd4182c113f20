// Package session provides server-side session storage for homie.
//
// A session is created provisionally when a login flow begins, promoted to an
// authenticated session once the flow succeeds, and destroyed on logout or
// expiry. The cookie sent to the browser carries only the opaque session ID.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/homiehq/homie/pkg/auth"
)

// HandshakeTTL bounds how long an OIDC handshake may take between the
// redirect to the provider and the callback.
const HandshakeTTL = 10 * time.Minute

// ErrNotFound is returned when a session does not exist or has expired.
// Callers cannot distinguish the two cases.
var ErrNotFound = errors.New("session not found or expired")

// ErrNoFlow is returned when a callback arrives for a session that has no
// in-flight handshake, including a replayed callback whose flow state was
// already consumed.
var ErrNoFlow = errors.New("no login flow in progress for session")

// Flow holds the single-use secrets of an in-flight OIDC handshake.
// It is erased the first time it is consumed.
type Flow struct {
	// State correlates the provider callback with this session and guards
	// against login CSRF and session fixation.
	State string `json:"state"`

	// Nonce is echoed back inside the ID token to prevent replay of a
	// stolen authorization response.
	Nonce string `json:"nonce"`
}

// Session is the server-side record behind a session cookie.
type Session struct {
	// ID is the opaque, unguessable session identifier (the cookie value).
	ID string `json:"id"`

	// Identity is nil while the session is provisional (handshake in
	// flight) and set exactly once on promotion.
	Identity *auth.Identity `json:"identity,omitempty"`

	// CSRFToken is generated once at session creation and bound to the
	// session for its whole lifetime. Per-request rotation would break
	// forms open in other tabs.
	CSRFToken string `json:"csrf_token"`

	// IDToken is the raw ID token from the provider, kept only to build
	// the id_token_hint on logout. Empty in local mode.
	IDToken string `json:"id_token,omitempty"`

	// FeatureFlags maps feature name to enabled. Populated from the user
	// store at login; all-enabled in local mode.
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticated reports whether the session carries a promoted identity.
// A session without an identity (still mid-handshake) never authenticates
// a request.
func (s *Session) Authenticated() bool {
	return s != nil && s.Identity != nil
}

// NewToken returns a cryptographically random URL-safe token with at least
// 128 bits of entropy, used for session IDs, CSRF tokens, and OIDC
// state/nonce values.
func NewToken() string {
	return rand.Text()
}

// Store is the interface implemented by session backends.
//
// Writes for a single session ID are serialized by the implementation;
// operations on different sessions need no mutual ordering.
type Store interface {
	// Create makes a new session with a fresh ID and CSRF token. The
	// identity may be nil for a provisional (pre-login) session.
	Create(ctx context.Context, identity *auth.Identity, ttl time.Duration) (*Session, error)

	// Get returns the session or ErrNotFound. Expired sessions are treated
	// as absent and lazily evicted.
	Get(ctx context.Context, id string) (*Session, error)

	// Touch extends the session's expiry to now+ttl (sliding expiration).
	// Touching an absent session returns ErrNotFound.
	Touch(ctx context.Context, id string, ttl time.Duration) error

	// Destroy removes the session. Destroying an absent session is not an
	// error.
	Destroy(ctx context.Context, id string) error

	// SetFlow attaches handshake secrets to a provisional session.
	SetFlow(ctx context.Context, id string, flow *Flow) error

	// ConsumeFlow returns the handshake secrets and erases them in the
	// same operation. A second call for the same session returns ErrNoFlow,
	// which is what makes state and nonce single-use.
	ConsumeFlow(ctx context.Context, id string) (*Flow, error)

	// Promote turns a provisional session into an authenticated one:
	// identity and feature flags are set, any remaining flow state is
	// cleared, and the expiry is extended to now+ttl.
	Promote(ctx context.Context, id string, identity *auth.Identity, flags map[string]bool, idToken string, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}
