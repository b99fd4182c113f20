// Package local implements the no-provider login mode: a fixed roster of
// usernames from configuration, selected straight from the login page.
// Everyone on the roster gets a full-feature, non-admin session.
package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/session"
	"github.com/homiehq/homie/pkg/users"
)

// ErrUnknownUser is returned when the submitted username is not on the
// configured roster. Matching is exact and case-sensitive.
var ErrUnknownUser = errors.New("unknown user")

// Engine performs local-mode logins against the configured roster.
type Engine struct {
	roster   []string
	sessions session.Store
	ttl      time.Duration
}

// NewEngine creates a local login engine. usernames is the roster in
// configured order; ttl is the session lifetime for successful logins.
func NewEngine(usernames []string, sessions session.Store, ttl time.Duration) *Engine {
	return &Engine{
		roster:   append([]string(nil), usernames...),
		sessions: sessions,
		ttl:      ttl,
	}
}

// Users returns the roster in configured order.
func (e *Engine) Users() []string {
	return append([]string(nil), e.roster...)
}

// Login authenticates the given username and returns a fresh
// authenticated session. The username must match a roster entry exactly,
// including case; anything else fails with ErrUnknownUser.
func (e *Engine) Login(ctx context.Context, username string) (*session.Session, error) {
	if !e.onRoster(username) {
		logger.Warnw("local login rejected", "username", username)
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}

	now := time.Now()
	identity := &auth.Identity{
		Subject: username,
		Name:    username,
		Mode:    auth.ModeLocal,
		// Local users are never admins. Admin status only comes from
		// ADMIN_EMAILS, which requires a provider-verified email.
		IsAdmin: false,
		Claims: jwt.MapClaims{
			"sub":  username,
			"name": username,
			"iss":  "homie-local",
			"iat":  now.Unix(),
		},
	}

	sess, err := e.sessions.Create(ctx, nil, e.ttl)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	// Feature toggles are an admin concept; local mode has no admins,
	// so every feature is on.
	if err := e.sessions.Promote(ctx, sess.ID, identity, users.DefaultFeatures(), "", e.ttl); err != nil {
		_ = e.sessions.Destroy(ctx, sess.ID)
		return nil, fmt.Errorf("promoting session: %w", err)
	}

	logger.Infow("local login", "username", username)
	return e.sessions.Get(ctx, sess.ID)
}

func (e *Engine) onRoster(username string) bool {
	for _, u := range e.roster {
		if u == username {
			return true
		}
	}
	return false
}
