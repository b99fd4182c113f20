package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/auth/local"
	"github.com/homiehq/homie/pkg/auth/oidc"
	"github.com/homiehq/homie/pkg/config"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/ratelimit"
	"github.com/homiehq/homie/pkg/session"
	"github.com/homiehq/homie/pkg/users"
	"github.com/homiehq/homie/pkg/web"
)

var (
	host string
	port int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the homie server",
	Long:  `Resolves configuration from the environment and serves the app until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Ensure the server shuts down gracefully on Ctrl+C or SIGTERM.
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.Load()
		if err != nil {
			// The aggregated report lists every problem at once.
			return err
		}

		sessions, err := newSessionStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create session store: %w", err)
		}
		defer func() { _ = sessions.Close() }()

		userStore, err := users.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open user database: %w", err)
		}
		defer func() { _ = userStore.Close() }()

		limiter := ratelimit.NewLimiter(web.DefaultLoginLimit, web.DefaultLoginWindow)
		defer func() { _ = limiter.Close() }()

		deps := web.Deps{
			Config:       cfg,
			Sessions:     sessions,
			Users:        userStore,
			LoginLimiter: limiter,
		}

		if cfg.OIDCEnabled {
			provider, err := oidc.NewProvider(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to set up OIDC provider: %w", err)
			}
			deps.Flow = oidc.NewFlow(cfg, provider, sessions,
				oidc.WithFeatureResolver(featureResolver(userStore)))
			logger.Infof("authentication mode: oidc (issuer %s)", cfg.OIDC.Issuer)
		} else {
			deps.Local = local.NewEngine(cfg.LocalUsers, sessions, cfg.SessionTTL)
			logger.Infof("authentication mode: local (%d users)", len(cfg.LocalUsers))
		}

		address := fmt.Sprintf("%s:%d", host, port)

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return web.Serve(ctx, address, deps)
		})
		return group.Wait()
	},
}

// featureResolver upserts the user record at login time and loads their
// feature visibility onto the session.
func featureResolver(store *users.Store) oidc.FeatureResolver {
	return func(ctx context.Context, identity *auth.Identity) (map[string]bool, error) {
		user, err := store.GetOrCreate(ctx, identity)
		if err != nil {
			return nil, err
		}
		return store.FeaturesFor(ctx, user.ID)
	}
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case config.SessionStoreRedis:
		return session.NewRedisStore(ctx, cfg.RedisAddr)
	default:
		return session.NewMemoryStore(), nil
	}
}

func init() {
	serveCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Host address to bind the server to")
	serveCmd.Flags().IntVar(&port, "port", 8080, "Port to bind the server to")
}
