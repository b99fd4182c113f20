// Package middleware provides the HTTP request-security chain: session
// resolution, CSRF protection, and the authorization gates. The intended
// order on a router is Sessions, then CSRFProtect, then the Require*
// gates on the routes that need them.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/session"
)

// SessionCookie is the name of the session cookie. Its value is only the
// opaque session ID.
const SessionCookie = "homie_session"

// CSRFHeader and CSRFField are where state-changing requests carry the
// session's CSRF token.
const (
	CSRFHeader = "X-CSRF-Token"
	CSRFField  = "csrf_token"
)

// ErrCSRFMismatch is returned (and logged) when a state-changing request
// carries a missing or wrong CSRF token.
var ErrCSRFMismatch = errors.New("CSRF token mismatch")

type sessionContextKey struct{}

// WithSession returns a context carrying the resolved session.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	if sess == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext retrieves the session attached by the Sessions
// middleware, or nil when the request has none.
func SessionFromContext(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*session.Session)
	return sess
}

// Sessions resolves the session cookie on every request. Authenticated
// sessions get their expiry extended (sliding expiration) and their
// identity attached to the context. Requests without a valid session pass
// through untouched; gating is left to the Require* middlewares.
func Sessions(store session.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := store.Get(r.Context(), cookie.Value)
			if err != nil {
				// Expired or forged cookie: treat the request as anonymous.
				next.ServeHTTP(w, r)
				return
			}

			ctx := WithSession(r.Context(), sess)
			if sess.Authenticated() {
				if err := store.Touch(r.Context(), sess.ID, ttl); err != nil {
					logger.Warnw("failed to extend session", "error", err)
				}
				ctx = auth.WithIdentity(ctx, sess.Identity)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CSRFProtect rejects state-changing requests whose CSRF token does not
// match the one bound to the session. Safe methods pass through; so do
// requests without any session, which cannot ride an authenticated one.
func CSRFProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		sess := SessionFromContext(r.Context())
		if sess == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(CSRFHeader)
		if token == "" {
			token = r.PostFormValue(CSRFField)
		}

		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
			logger.Warnw("request rejected", "reason", ErrCSRFMismatch,
				"method", r.Method, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireAuthenticated redirects anonymous requests to loginPath.
// Provisional (mid-handshake) sessions count as anonymous.
func RequireAuthenticated(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.IdentityFromContext(r.Context()) == nil {
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects requests from non-admin identities. Must run after
// RequireAuthenticated.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.IdentityFromContext(r.Context())
		if identity == nil || !identity.IsAdmin {
			logger.Warnw("admin route denied", "path", r.URL.Path,
				"subject", subjectOf(identity))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireFeature rejects requests from users whose session has the named
// feature disabled. Sessions without an explicit entry default to
// enabled, matching the user store.
func RequireFeature(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			if !sess.Authenticated() {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if enabled, ok := sess.FeatureFlags[name]; ok && !enabled {
				logger.Warnw("disabled feature access attempt",
					"feature", name, "subject", sess.Identity.Subject)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OwnedBy reports whether the identity may act on a resource owned by
// ownerSubject: owners may, and so may admins. Pure comparison for use
// inside handlers that already loaded the resource.
func OwnedBy(identity *auth.Identity, ownerSubject string) bool {
	if identity == nil {
		return false
	}
	return identity.IsAdmin || identity.Subject == ownerSubject
}

func subjectOf(identity *auth.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.Subject
}
