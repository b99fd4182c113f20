package web

import (
	"errors"
	"net/http"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/auth/local"
	"github.com/homiehq/homie/pkg/auth/middleware"
	"github.com/homiehq/homie/pkg/auth/oidc"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/ratelimit"
	"github.com/homiehq/homie/pkg/session"
	"github.com/homiehq/homie/pkg/telemetry"
)

type authRoutes struct {
	deps Deps
}

func newAuthRoutes(deps Deps) *authRoutes {
	return &authRoutes{deps: deps}
}

func (h *authRoutes) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.deps.Config.CookieSecure(),
	})
}

func (h *authRoutes) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.deps.Config.CookieSecure(),
	})
}

func (h *authRoutes) home(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if !sess.Authenticated() {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	renderTemplate(w, "home.html", map[string]any{
		"Name":      sess.Identity.Name,
		"IsAdmin":   sess.Identity.IsAdmin,
		"Features":  sess.FeatureFlags,
		"CSRFToken": sess.CSRFToken,
	})
}

// login begins the OIDC handshake, or hands off to the local login page
// when no provider is configured. Already-authenticated users go home.
func (h *authRoutes) login(w http.ResponseWriter, r *http.Request) {
	if middleware.SessionFromContext(r.Context()).Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if h.deps.Flow == nil {
		http.Redirect(w, r, "/local_login", http.StatusFound)
		return
	}

	sess, redirectURL, err := h.deps.Flow.BeginLogin(r.Context())
	if err != nil {
		logger.Errorf("failed to begin login: %v", err)
		telemetry.LoginAttempts.WithLabelValues("oidc", telemetry.OutcomeError).Inc()
		http.Error(w, "Login unavailable", http.StatusServiceUnavailable)
		return
	}

	h.setSessionCookie(w, sess.ID)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *authRoutes) callback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Flow == nil {
		http.NotFound(w, r)
		return
	}

	clientKey := ratelimit.ClientKey(r)
	if err := h.deps.LoginLimiter.Allow(clientKey); err != nil {
		telemetry.RateLimited.Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	cookie, err := r.Cookie(middleware.SessionCookie)
	if err != nil || cookie.Value == "" {
		// No handshake to complete; start over.
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		// A stray error callback against an already-completed login must
		// not tear that login down.
		if sess, err := h.deps.Sessions.Get(r.Context(), cookie.Value); err == nil && sess.Authenticated() {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		logger.Warnw("provider returned an authorization error",
			"error", errCode, "description", query.Get("error_description"))
		telemetry.LoginAttempts.WithLabelValues("oidc", telemetry.OutcomeError).Inc()
		_ = h.deps.Sessions.Destroy(r.Context(), cookie.Value)
		h.clearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	_, err = h.deps.Flow.HandleCallback(r.Context(),
		cookie.Value, query.Get("code"), query.Get("state"))
	if err != nil {
		if errors.Is(err, oidc.ErrLoginAlreadyCompleted) {
			// Replayed callback; the session in the store is intact and
			// the cookie must stay with it.
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		h.clearSessionCookie(w)
		if errors.Is(err, oidc.ErrAccessDenied) {
			telemetry.LoginAttempts.WithLabelValues("oidc", telemetry.OutcomeDenied).Inc()
			http.Redirect(w, r, "/unauthorized", http.StatusFound)
			return
		}
		// Detail stays in the logs; the user gets a generic retry.
		logger.Warnf("login callback failed: %v", err)
		telemetry.LoginAttempts.WithLabelValues("oidc", telemetry.OutcomeError).Inc()
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	h.deps.LoginLimiter.Reset(clientKey)
	telemetry.LoginAttempts.WithLabelValues("oidc", telemetry.OutcomeSuccess).Inc()
	telemetry.ActiveSessions.Inc()
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *authRoutes) logout(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	// Local destruction happens before any provider redirect; provider
	// logout is best-effort.
	if err := h.deps.Sessions.Destroy(r.Context(), sess.ID); err != nil {
		logger.Warnf("failed to destroy session on logout: %v", err)
	}
	h.clearSessionCookie(w)
	// Provisional sessions never incremented the gauge.
	if sess.Authenticated() {
		telemetry.ActiveSessions.Dec()
	}

	if h.deps.Flow != nil && sess.Authenticated() {
		if logoutURL := h.deps.Flow.LogoutURL(sess.IDToken); logoutURL != "" {
			http.Redirect(w, r, logoutURL, http.StatusFound)
			return
		}
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *authRoutes) localLoginPage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Local == nil {
		http.NotFound(w, r)
		return
	}
	sess := middleware.SessionFromContext(r.Context())
	if sess.Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	// The roster page issues the CSRF token its login forms submit, so a
	// pre-login session must exist before anyone can post a username.
	if sess == nil {
		var err error
		sess, err = h.deps.Sessions.Create(r.Context(), nil, session.HandshakeTTL)
		if err != nil {
			logger.Errorf("failed to create pre-login session: %v", err)
			http.Error(w, "Login unavailable", http.StatusServiceUnavailable)
			return
		}
		h.setSessionCookie(w, sess.ID)
	}

	data := map[string]any{
		"Users":     h.deps.Local.Users(),
		"CSRFToken": sess.CSRFToken,
	}
	if r.URL.Query().Get("retry") != "" {
		data["Error"] = "That name is not on the list. Select a valid user."
	}
	renderTemplate(w, "local_login.html", data)
}

func (h *authRoutes) localLogin(w http.ResponseWriter, r *http.Request) {
	if h.deps.Local == nil {
		http.NotFound(w, r)
		return
	}

	preLogin := middleware.SessionFromContext(r.Context())
	if preLogin == nil {
		// Without a session there was no CSRF token to validate; the
		// roster page issues both.
		http.Redirect(w, r, "/local_login", http.StatusFound)
		return
	}
	if preLogin.Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	clientKey := ratelimit.ClientKey(r)
	if err := h.deps.LoginLimiter.Allow(clientKey); err != nil {
		telemetry.RateLimited.Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	sess, err := h.deps.Local.Login(r.Context(), r.PostFormValue("username"))
	if err != nil {
		if errors.Is(err, local.ErrUnknownUser) {
			telemetry.LoginAttempts.WithLabelValues("local", telemetry.OutcomeDenied).Inc()
			http.Redirect(w, r, "/local_login?retry=1", http.StatusFound)
			return
		}
		logger.Errorf("local login failed: %v", err)
		telemetry.LoginAttempts.WithLabelValues("local", telemetry.OutcomeError).Inc()
		http.Error(w, "Login failed", http.StatusInternalServerError)
		return
	}

	if h.deps.Users != nil {
		if _, err := h.deps.Users.GetOrCreate(r.Context(), sess.Identity); err != nil {
			logger.Warnf("failed to record local user: %v", err)
		}
	}

	_ = h.deps.Sessions.Destroy(r.Context(), preLogin.ID)
	h.deps.LoginLimiter.Reset(clientKey)
	telemetry.LoginAttempts.WithLabelValues("local", telemetry.OutcomeSuccess).Inc()
	telemetry.ActiveSessions.Inc()
	h.setSessionCookie(w, sess.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *authRoutes) unauthorized(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusForbidden)
	renderTemplate(w, "unauthorized.html", nil)
}

// bills is a feature-gated app area. The real page lives elsewhere; what
// matters here is the gate in front of it.
func (h *authRoutes) bills(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	renderTemplate(w, "feature.html", map[string]any{
		"Feature": "bills",
		"Name":    identity.Name,
	})
}
