package oidc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/config"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/session"
	"github.com/homiehq/homie/pkg/users"
)

// Sentinel errors for the callback failure branches. Handlers map all of
// them to the same generic failure page; the distinction is for logs and
// tests.
var (
	// ErrStateMismatch covers a callback whose state does not match the
	// session's, arrives for a session with no handshake in flight, or
	// replays an already-consumed handshake.
	ErrStateMismatch = errors.New("authorization response state mismatch")

	// ErrLoginAlreadyCompleted marks a replayed callback against a session
	// that already finished its login. The session is left intact; handlers
	// must not clear the cookie on this branch.
	ErrLoginAlreadyCompleted = fmt.Errorf("%w: login already completed", ErrStateMismatch)

	// ErrTokenExchangeFailed covers a rejected or malformed code exchange.
	ErrTokenExchangeFailed = errors.New("authorization code exchange failed")

	// ErrNonceMismatch covers an ID token whose nonce claim does not match
	// the value generated for this handshake.
	ErrNonceMismatch = errors.New("ID token nonce mismatch")

	// ErrClaimsFetchFailed covers a failed or malformed userinfo response.
	ErrClaimsFetchFailed = errors.New("claims fetch failed")

	// ErrAccessDenied covers an authenticated user who is not on any
	// allow-list.
	ErrAccessDenied = errors.New("access denied by allow-list policy")
)

// FeatureResolver loads the feature visibility map for a freshly
// authenticated identity. The default enables everything.
type FeatureResolver func(ctx context.Context, identity *auth.Identity) (map[string]bool, error)

// Flow drives the authorization-code login dance against a Provider.
type Flow struct {
	provider *Provider
	sessions session.Store
	policy   *config.AccessPolicy

	baseURL    string
	sessionTTL time.Duration
	features   FeatureResolver
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFeatureResolver sets the resolver used to load feature flags onto
// the session at promotion time.
func WithFeatureResolver(resolver FeatureResolver) FlowOption {
	return func(f *Flow) {
		f.features = resolver
	}
}

// NewFlow creates the login flow engine.
func NewFlow(cfg *config.Config, provider *Provider, sessions session.Store, opts ...FlowOption) *Flow {
	f := &Flow{
		provider:   provider,
		sessions:   sessions,
		policy:     &cfg.Policy,
		baseURL:    cfg.BaseURL,
		sessionTTL: cfg.SessionTTL,
		features: func(context.Context, *auth.Identity) (map[string]bool, error) {
			return users.DefaultFeatures(), nil
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BeginLogin starts a handshake: it creates a provisional session bound
// to fresh state and nonce values and returns the session together with
// the provider redirect URL. The session lives for HandshakeTTL; only a
// successful callback extends it.
func (f *Flow) BeginLogin(ctx context.Context) (*session.Session, string, error) {
	sess, err := f.sessions.Create(ctx, nil, session.HandshakeTTL)
	if err != nil {
		return nil, "", fmt.Errorf("creating provisional session: %w", err)
	}

	flow := &session.Flow{State: session.NewToken(), Nonce: session.NewToken()}
	if err := f.sessions.SetFlow(ctx, sess.ID, flow); err != nil {
		_ = f.sessions.Destroy(ctx, sess.ID)
		return nil, "", fmt.Errorf("storing handshake state: %w", err)
	}

	return sess, f.provider.AuthCodeURL(flow.State, flow.Nonce), nil
}

// HandleCallback completes the handshake for the given session. Any
// failure destroys the provisional session outright, so a fresh login
// must start from BeginLogin; there is no partially-completed state to
// retry against.
func (f *Flow) HandleCallback(ctx context.Context, sessionID, code, state string) (*session.Session, error) {
	fail := func(err error) (*session.Session, error) {
		_ = f.sessions.Destroy(ctx, sessionID)
		return nil, err
	}

	// A replayed callback on a session that already completed its login
	// is rejected without destroying the session.
	current, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateMismatch, err)
	}
	if current.Authenticated() {
		return nil, ErrLoginAlreadyCompleted
	}

	// Consuming the flow erases it: a replayed callback for the same
	// session finds nothing and lands in the state-mismatch branch.
	flow, err := f.sessions.ConsumeFlow(ctx, sessionID)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStateMismatch, err))
	}

	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(flow.State)) != 1 {
		return fail(ErrStateMismatch)
	}

	// The code is single-use at the provider; the exchange is never
	// retried regardless of how it fails.
	token, err := f.provider.Exchange(ctx, code)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err))
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return fail(fmt.Errorf("%w: token response carries no id_token", ErrTokenExchangeFailed))
	}
	idClaims, err := f.provider.VerifyIDToken(ctx, rawIDToken, flow.Nonce)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrNonceMismatch, err))
	}

	userinfo, err := f.provider.Userinfo(ctx, token)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrClaimsFetchFailed, err))
	}
	if sub := stringClaim(userinfo, "sub"); sub != "" && sub != stringClaim(idClaims, "sub") {
		return fail(fmt.Errorf("%w: userinfo subject does not match the ID token", ErrClaimsFetchFailed))
	}

	// The verified ID token is the base record; userinfo fills in the
	// profile claims the token omits. The subject always comes from the
	// token, since some providers leave sub out of the userinfo document.
	claims := make(jwt.MapClaims, len(idClaims)+len(userinfo))
	for name, value := range idClaims {
		claims[name] = value
	}
	for name, value := range userinfo {
		claims[name] = value
	}
	claims["sub"] = stringClaim(idClaims, "sub")

	email := stringClaim(claims, "email")
	groups := auth.GroupsFromClaims(claims)
	if !f.policy.Allows(email, groups) {
		logger.Warnw("login denied by policy", "email", email, "groups", groups)
		return fail(ErrAccessDenied)
	}

	identity := &auth.Identity{
		Subject: stringClaim(claims, "sub"),
		Name:    stringClaim(claims, "name"),
		Email:   email,
		Groups:  groups,
		IsAdmin: f.policy.IsAdmin(email),
		Mode:    auth.ModeOIDC,
		Claims:  claims,
	}

	flags, err := f.features(ctx, identity)
	if err != nil {
		return fail(fmt.Errorf("resolving feature flags: %w", err))
	}

	if err := f.sessions.Promote(ctx, sessionID, identity, flags, rawIDToken, f.sessionTTL); err != nil {
		return fail(fmt.Errorf("promoting session: %w", err))
	}

	logger.Infow("login succeeded", "email", email, "admin", identity.IsAdmin)
	return f.sessions.Get(ctx, sessionID)
}

// LogoutURL builds the provider end-session redirect for a session being
// logged out, or "" when the provider has no end-session endpoint. The
// local session must already be destroyed by the time the user follows
// this URL; provider logout is best-effort.
func (f *Flow) LogoutURL(idToken string) string {
	endpoint := f.provider.EndSessionEndpoint()
	if endpoint == "" {
		return ""
	}

	query := url.Values{}
	if idToken != "" {
		query.Set("id_token_hint", idToken)
	}
	query.Set("post_logout_redirect_uri", f.baseURL+"/login")

	return endpoint + "?" + query.Encode()
}
