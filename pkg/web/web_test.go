package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/auth/local"
	"github.com/homiehq/homie/pkg/auth/middleware"
	"github.com/homiehq/homie/pkg/auth/oidc"
	"github.com/homiehq/homie/pkg/config"
	"github.com/homiehq/homie/pkg/ratelimit"
	"github.com/homiehq/homie/pkg/session"
	"github.com/homiehq/homie/pkg/telemetry"
	"github.com/homiehq/homie/pkg/users"
)

type testApp struct {
	server   *httptest.Server
	client   *http.Client
	sessions session.Store
	users    *users.Store
	cfg      *config.Config
}

// newOIDCApp stands up the full router in OIDC mode against a mock
// provider, with a cookie-jar client that follows redirects end to end.
func newOIDCApp(t *testing.T, m *mockoidc.MockOIDC) *testApp {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		OIDCEnabled: true,
		OIDC: config.OIDC{
			Issuer:       m.Issuer(),
			ClientID:     m.Config().ClientID,
			ClientSecret: m.Config().ClientSecret,
		},
		Policy: config.NewAccessPolicy(
			[]string{"dad@example.com", "bill@example.com"}, nil,
			[]string{"dad@example.com"}),
		SessionTTL: time.Hour,
	}

	store := session.NewMemoryStore(session.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	userStore, err := users.Open(ctx, filepath.Join(t.TempDir(), "homie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = userStore.Close() })

	deps := Deps{
		Config:   cfg,
		Sessions: store,
		Users:    userStore,
	}

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL

	provider, err := oidc.NewProvider(ctx, cfg)
	require.NoError(t, err)
	deps.Flow = oidc.NewFlow(cfg, provider, store, oidc.WithFeatureResolver(
		func(ctx context.Context, identity *auth.Identity) (map[string]bool, error) {
			u, err := userStore.GetOrCreate(ctx, identity)
			if err != nil {
				return nil, err
			}
			return userStore.FeaturesFor(ctx, u.ID)
		}))

	server.Config.Handler = Router(deps)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testApp{
		server:   server,
		client:   &http.Client{Jar: jar},
		sessions: store,
		users:    userStore,
		cfg:      cfg,
	}
}

func newLocalApp(t *testing.T, limiter *ratelimit.Limiter, roster ...string) *testApp {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		BaseURL:    "http://localhost:8080",
		LocalUsers: roster,
		SessionTTL: time.Hour,
	}

	store := session.NewMemoryStore(session.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	userStore, err := users.Open(ctx, filepath.Join(t.TempDir(), "homie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = userStore.Close() })

	deps := Deps{
		Config:       cfg,
		Sessions:     store,
		Users:        userStore,
		Local:        local.NewEngine(roster, store, cfg.SessionTTL),
		LoginLimiter: limiter,
	}

	server := httptest.NewServer(Router(deps))
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testApp{
		server:   server,
		client:   &http.Client{Jar: jar},
		sessions: store,
		users:    userStore,
		cfg:      cfg,
	}
}

func (a *testApp) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := a.client.Get(a.server.URL + path)
	require.NoError(t, err)
	return resp
}

// localLogin walks the sequence a browser would: fetch the roster page to
// establish the pre-login session and CSRF token, then post the username.
func (a *testApp) localLogin(t *testing.T, username string) *http.Response {
	t.Helper()

	_ = body(t, a.get(t, "/local_login"))
	sess, err := a.sessions.Get(context.Background(), a.sessionID(t))
	require.NoError(t, err)

	resp, err := a.client.PostForm(a.server.URL+"/local_login", url.Values{
		"username":           {username},
		middleware.CSRFField: {sess.CSRFToken},
	})
	require.NoError(t, err)
	return resp
}

func (a *testApp) sessionID(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(a.server.URL)
	require.NoError(t, err)
	for _, c := range a.client.Jar.Cookies(u) {
		if c.Name == middleware.SessionCookie {
			return c.Value
		}
	}
	return ""
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func startMock(t *testing.T) *mockoidc.MockOIDC {
	t.Helper()
	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestOIDCLoginEndToEnd(t *testing.T) {
	t.Parallel()

	m := startMock(t)
	m.QueueUser(&mockoidc.MockUser{
		Subject: "sub-dad",
		Email:   "dad@example.com",
	})
	app := newOIDCApp(t, m)

	// One GET walks the whole dance: /login -> provider -> callback -> /.
	resp := app.get(t, "/login")
	html := body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "Welcome")

	// The session is promoted and carries the admin bit.
	sess, err := app.sessions.Get(context.Background(), app.sessionID(t))
	require.NoError(t, err)
	require.True(t, sess.Authenticated())
	assert.Equal(t, "sub-dad", sess.Identity.Subject)
	assert.Equal(t, "dad@example.com", sess.Identity.Email)
	assert.True(t, sess.Identity.IsAdmin)

	// Login upserted the user record, keyed on the ID token subject.
	all, err := app.users.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "sub-dad", all[0].Subject)
	assert.Equal(t, "dad@example.com", all[0].Email)
}

func TestOIDCDeniedUserEndToEnd(t *testing.T) {
	t.Parallel()

	m := startMock(t)
	m.QueueUser(&mockoidc.MockUser{
		Subject: "sub-mallory",
		Email:   "mallory@example.com",
	})
	app := newOIDCApp(t, m)

	resp := app.get(t, "/login")
	html := body(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, html, "not permitted")

	// No user record for denied logins.
	all, err := app.users.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLogoutEndToEnd(t *testing.T) {
	t.Parallel()

	m := startMock(t)
	m.QueueUser(&mockoidc.MockUser{Subject: "sub-dad", Email: "dad@example.com"})
	app := newOIDCApp(t, m)

	_ = body(t, app.get(t, "/login"))
	sessionID := app.sessionID(t)
	sess, err := app.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)

	form := url.Values{middleware.CSRFField: {sess.CSRFToken}}
	resp, err := app.client.PostForm(app.server.URL+"/logout", form)
	require.NoError(t, err)
	_ = body(t, resp)

	_, err = app.sessions.Get(context.Background(), sessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// Logged out: the home page bounces to login again (which restarts
	// the flow; mockoidc serves the default user, who is not allowed).
	resp = app.get(t, "/")
	_ = body(t, resp)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestLogoutRequiresCSRFToken(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad", "Bill")

	_ = body(t, app.localLogin(t, "Dad"))
	sessionID := app.sessionID(t)
	require.NotEmpty(t, sessionID)

	// A logout POST without the token must be rejected and the session
	// left intact.
	resp, err := app.client.PostForm(app.server.URL+"/logout", url.Values{})
	require.NoError(t, err)
	_ = body(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = app.sessions.Get(context.Background(), sessionID)
	assert.NoError(t, err)
}

func TestLocalLoginEndToEnd(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad", "Bill", "Sarah")

	// /login hands off to the roster page in local mode.
	resp := app.get(t, "/login")
	html := body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for _, name := range []string{"Dad", "Bill", "Sarah"} {
		assert.Contains(t, html, name)
	}

	resp = app.localLogin(t, "Bill")
	html = body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "Welcome, Bill")

	sess, err := app.sessions.Get(context.Background(), app.sessionID(t))
	require.NoError(t, err)
	assert.Equal(t, auth.ModeLocal, sess.Identity.Mode)
	assert.False(t, sess.Identity.IsAdmin)
}

func TestLocalLoginUnknownUser(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad", "Bill")

	// Case matters: "dad" is not "Dad". The user lands back on the roster
	// page with a message, still logged out.
	resp := app.localLogin(t, "dad")
	html := body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "Select a valid user")

	sess, err := app.sessions.Get(context.Background(), app.sessionID(t))
	require.NoError(t, err)
	assert.False(t, sess.Authenticated())
}

func TestLocalLoginRateLimited(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewLimiter(2, time.Minute)
	t.Cleanup(func() { _ = limiter.Close() })
	app := newLocalApp(t, limiter, "Dad")

	attempt := func() int {
		resp := app.localLogin(t, "nobody")
		_ = body(t, resp)
		return resp.StatusCode
	}

	// Denied attempts bounce back to the roster page; the third POST in
	// the window is cut off outright.
	assert.Equal(t, http.StatusOK, attempt())
	assert.Equal(t, http.StatusOK, attempt())
	assert.Equal(t, http.StatusTooManyRequests, attempt())
}

func TestFeatureGate(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Bill")
	ctx := context.Background()

	_ = body(t, app.localLogin(t, "Bill"))

	resp := app.get(t, "/bills")
	_ = body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Disable the feature on the session and watch the gate close.
	sessionID := app.sessionID(t)
	sess, err := app.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.NoError(t, app.sessions.Promote(ctx, sessionID, sess.Identity,
		map[string]bool{"bills": false}, "", time.Hour))

	resp = app.get(t, "/bills")
	_ = body(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminFeatureAPI(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")
	ctx := context.Background()

	// Record a user to manage.
	managed, err := app.users.GetOrCreate(ctx,
		&auth.Identity{Subject: "sub-bill", Email: "bill@example.com", Mode: auth.ModeOIDC})
	require.NoError(t, err)

	// Forge an admin session directly in the store.
	adminSess, err := app.sessions.Create(ctx, nil, time.Hour)
	require.NoError(t, err)
	adminIdentity := &auth.Identity{Subject: "dad@example.com", IsAdmin: true, Mode: auth.ModeOIDC}
	require.NoError(t, app.sessions.Promote(ctx, adminSess.ID, adminIdentity, nil, "", time.Hour))
	adminSess, err = app.sessions.Get(ctx, adminSess.ID)
	require.NoError(t, err)

	serverURL, err := url.Parse(app.server.URL)
	require.NoError(t, err)
	app.client.Jar.SetCookies(serverURL, []*http.Cookie{
		{Name: middleware.SessionCookie, Value: adminSess.ID},
	})

	// Disable bills for the managed user.
	payload, err := json.Marshal(map[string]any{
		"user_id": managed.ID, "feature": "bills", "enabled": false,
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost,
		app.server.URL+"/admin/features/", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.CSRFHeader, adminSess.CSRFToken)
	resp, err := app.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = body(t, resp)

	enabled, err := app.users.FeatureEnabled(ctx, managed.ID, "bills")
	require.NoError(t, err)
	assert.False(t, enabled)

	// The listing reflects the override.
	resp = app.get(t, "/admin/features/")
	listing := body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, listing, managed.ID)
	assert.Contains(t, listing, `"bills":false`)
}

func TestAdminFeatureAPIRequiresAdmin(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Bill")

	_ = body(t, app.localLogin(t, "Bill"))

	resp := app.get(t, "/admin/features/")
	_ = body(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCallbackWithoutCookieRestartsLogin(t *testing.T) {
	t.Parallel()

	m := startMock(t)
	app := newOIDCApp(t, m)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(app.server.URL + "/auth/callback?code=x&state=y")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")
	resp := app.get(t, "/healthz")
	_ = body(t, resp)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")
	resp := app.get(t, "/metrics")
	content := body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, content, "homie_")
}

func TestRootRedirectsAnonymous(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(app.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestReplayedCallbackKeepsSession(t *testing.T) {
	t.Parallel()

	m := startMock(t)
	m.QueueUser(&mockoidc.MockUser{Subject: "sub-dad", Email: "dad@example.com"})
	app := newOIDCApp(t, m)

	_ = body(t, app.get(t, "/login"))
	sessionID := app.sessionID(t)
	require.NotEmpty(t, sessionID)

	// A stale callback against the authenticated session must bounce home
	// with both the cookie and the stored session intact.
	resp := app.get(t, "/auth/callback?code=stale&state=stale")
	html := body(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, "Welcome")

	assert.Equal(t, sessionID, app.sessionID(t))
	sess, err := app.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
}

func TestLocalLoginRequiresCSRFToken(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")

	_ = body(t, app.get(t, "/local_login"))
	require.NotEmpty(t, app.sessionID(t))

	// A post without the token from the roster page is rejected.
	resp, err := app.client.PostForm(app.server.URL+"/local_login",
		url.Values{"username": {"Dad"}})
	require.NoError(t, err)
	_ = body(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	sess, err := app.sessions.Get(context.Background(), app.sessionID(t))
	require.NoError(t, err)
	assert.False(t, sess.Authenticated())
}

func TestLocalLoginPostWithoutSessionStartsAtRoster(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.PostForm(app.server.URL+"/local_login",
		url.Values{"username": {"Dad"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/local_login", resp.Header.Get("Location"))
}

func TestLogoutOfProvisionalSessionLeavesGauge(t *testing.T) {
	// Not parallel: reads the shared active-sessions gauge.
	app := newLocalApp(t, nil, "Dad")

	before := testutil.ToFloat64(telemetry.ActiveSessions)

	// The roster page creates a pre-login session; logging it out must not
	// decrement a gauge it never incremented.
	_ = body(t, app.get(t, "/local_login"))
	sess, err := app.sessions.Get(context.Background(), app.sessionID(t))
	require.NoError(t, err)

	resp, err := app.client.PostForm(app.server.URL+"/logout",
		url.Values{middleware.CSRFField: {sess.CSRFToken}})
	require.NoError(t, err)
	_ = body(t, resp)

	assert.Equal(t, before, testutil.ToFloat64(telemetry.ActiveSessions))
}

func TestUnknownSessionCookieIsIgnored(t *testing.T) {
	t.Parallel()

	app := newLocalApp(t, nil, "Dad")

	req, err := http.NewRequest(http.MethodGet, app.server.URL+"/", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: strings.Repeat("x", 26)})
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}
