// Package web contains the HTTP surface: the login and logout routes for
// both auth modes, the admin feature-flag API, and the middleware chain
// that protects everything else.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homiehq/homie/pkg/auth/local"
	"github.com/homiehq/homie/pkg/auth/middleware"
	"github.com/homiehq/homie/pkg/auth/oidc"
	"github.com/homiehq/homie/pkg/config"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/ratelimit"
	"github.com/homiehq/homie/pkg/session"
	"github.com/homiehq/homie/pkg/telemetry"
	"github.com/homiehq/homie/pkg/users"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second

	// Login endpoints allow this many attempts per client per window.
	DefaultLoginLimit  = 10
	DefaultLoginWindow = time.Minute

	// Blanket per-client throttle across the whole app.
	DefaultThrottlePerHour = 1000
	DefaultThrottleBurst   = 50
)

// Deps bundles what the HTTP surface needs. Flow is nil in local mode;
// Local is nil in OIDC mode.
type Deps struct {
	Config   *config.Config
	Sessions session.Store
	Users    *users.Store
	Flow     *oidc.Flow
	Local    *local.Engine

	// LoginLimiter guards the login-entry endpoints; created with the
	// defaults when nil.
	LoginLimiter *ratelimit.Limiter
}

// Router builds the full application router.
func Router(deps Deps) http.Handler {
	if deps.LoginLimiter == nil {
		deps.LoginLimiter = ratelimit.NewLimiter(DefaultLoginLimit, DefaultLoginWindow)
	}
	throttle := ratelimit.NewThrottle(DefaultThrottlePerHour, DefaultThrottleBurst)

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RequestID,
		chimiddleware.Timeout(middlewareTimeout),
		throttle.Handler,
		middleware.Sessions(deps.Sessions, deps.Config.SessionTTL),
		middleware.CSRFProtect,
	)

	authRoutes := newAuthRoutes(deps)
	r.Get("/", authRoutes.home)
	r.Get("/login", authRoutes.login)
	r.Get("/auth/callback", authRoutes.callback)
	r.Post("/logout", authRoutes.logout)
	r.Get("/local_login", authRoutes.localLoginPage)
	r.Post("/local_login", authRoutes.localLogin)
	r.Get("/unauthorized", authRoutes.unauthorized)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		telemetry.GetRegistry(), promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAuthenticated("/login"), middleware.RequireAdmin)
		r.Mount("/features", AdminRouter(deps.Users))
	})

	// App areas gated on authentication and per-user feature visibility.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuthenticated("/login"))
		r.With(middleware.RequireFeature("bills")).Get("/bills", authRoutes.bills)
	})

	return r
}

// Serve runs the HTTP server on address until ctx is canceled. The caller
// is expected to set up signal handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Router(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	logger.Infof("starting HTTP server on %s", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("HTTP server stopped")
	return nil
}
