// Package config contains the definition of the application config structure
// and logic required to load and validate it from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/homiehq/homie/pkg/logger"
)

// SessionStoreType selects the session store backend.
type SessionStoreType string

const (
	// SessionStoreMemory keeps sessions in process memory (the default).
	SessionStoreMemory SessionStoreType = "memory"

	// SessionStoreRedis keeps sessions in Redis so they survive restarts.
	SessionStoreRedis SessionStoreType = "redis"
)

// DefaultSessionTTL is used when SESSION_TTL is not set.
const DefaultSessionTTL = 24 * time.Hour

// OIDC holds the settings for the external identity provider.
type OIDC struct {
	// Issuer is the base URL of the OIDC provider. Endpoints are discovered
	// from {Issuer}/.well-known/openid-configuration at startup.
	Issuer string

	ClientID     string
	ClientSecret string

	// Manual endpoint overrides, used when discovery fails or the provider
	// does not serve a well-known document.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	EndSessionEndpoint    string
}

// Config represents the resolved configuration of the application.
// It is read-only after Load returns.
type Config struct {
	// BaseURL is the externally visible URL of this app, used to build the
	// OIDC redirect URI and to decide whether session cookies are Secure.
	BaseURL string

	OIDCEnabled bool
	OIDC        OIDC

	// Policy holds the validated allow-lists and admin list.
	Policy AccessPolicy

	// LocalUsers is the ordered roster for passwordless local login.
	LocalUsers []string

	SessionTTL   time.Duration
	SessionStore SessionStoreType
	RedisAddr    string

	DatabasePath string
}

// ValidationError aggregates every configuration problem found during Load.
// The process must not serve traffic when Load returns one.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration:\n - %s", strings.Join(e.Problems, "\n - "))
}

func bindEnv() {
	// Errors from BindEnv only occur with zero arguments.
	_ = viper.BindEnv("base_url", "BASE_URL")
	_ = viper.BindEnv("oidc.enabled", "OIDC_ENABLED")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER", "OIDC_BASE_URL")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.client_secret", "OIDC_CLIENT_SECRET")
	_ = viper.BindEnv("oidc.authorization_endpoint", "OIDC_AUTHORIZATION_ENDPOINT")
	_ = viper.BindEnv("oidc.token_endpoint", "OIDC_TOKEN_ENDPOINT")
	_ = viper.BindEnv("oidc.userinfo_endpoint", "OIDC_USERINFO_ENDPOINT")
	_ = viper.BindEnv("oidc.end_session_endpoint", "OIDC_END_SESSION_ENDPOINT")
	_ = viper.BindEnv("allowed_emails", "ALLOWED_EMAILS")
	_ = viper.BindEnv("allowed_groups", "ALLOWED_GROUPS")
	_ = viper.BindEnv("admin_emails", "ADMIN_EMAILS")
	_ = viper.BindEnv("users", "USERS")
	_ = viper.BindEnv("session.ttl", "SESSION_TTL")
	_ = viper.BindEnv("session.store", "SESSION_STORE")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("database_path", "DATABASE_PATH")
}

// splitList parses a comma-separated environment value into a slice,
// trimming whitespace and dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Load resolves the configuration from the environment and validates it.
//
// Validation never stops at the first problem: every missing or invalid
// variable is collected so the operator sees the full report at once.
func Load() (*Config, error) {
	bindEnv()

	cfg := &Config{
		BaseURL:     strings.TrimRight(viper.GetString("base_url"), "/"),
		OIDCEnabled: viper.GetBool("oidc.enabled"),
		OIDC: OIDC{
			Issuer:                strings.TrimRight(viper.GetString("oidc.issuer"), "/"),
			ClientID:              viper.GetString("oidc.client_id"),
			ClientSecret:          viper.GetString("oidc.client_secret"),
			AuthorizationEndpoint: viper.GetString("oidc.authorization_endpoint"),
			TokenEndpoint:         viper.GetString("oidc.token_endpoint"),
			UserinfoEndpoint:      viper.GetString("oidc.userinfo_endpoint"),
			EndSessionEndpoint:    viper.GetString("oidc.end_session_endpoint"),
		},
		LocalUsers:   splitList(viper.GetString("users")),
		SessionTTL:   DefaultSessionTTL,
		SessionStore: SessionStoreMemory,
		RedisAddr:    viper.GetString("redis_addr"),
		DatabasePath: viper.GetString("database_path"),
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "homie.db"
	}

	cfg.Policy = NewAccessPolicy(
		splitList(viper.GetString("allowed_emails")),
		splitList(viper.GetString("allowed_groups")),
		splitList(viper.GetString("admin_emails")),
	)

	var problems []string

	if raw := viper.GetString("session.ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("SESSION_TTL: invalid duration %q", raw))
		case ttl <= 0:
			problems = append(problems, "SESSION_TTL: must be positive")
		default:
			cfg.SessionTTL = ttl
		}
	}

	if raw := viper.GetString("session.store"); raw != "" {
		switch SessionStoreType(raw) {
		case SessionStoreMemory, SessionStoreRedis:
			cfg.SessionStore = SessionStoreType(raw)
		default:
			problems = append(problems, fmt.Sprintf("SESSION_STORE: unknown store %q (valid: memory, redis)", raw))
		}
	}
	if cfg.SessionStore == SessionStoreRedis && cfg.RedisAddr == "" {
		problems = append(problems, "REDIS_ADDR: required when SESSION_STORE=redis")
	}

	if cfg.BaseURL == "" {
		problems = append(problems, "BASE_URL: required")
	}

	if cfg.OIDCEnabled {
		problems = append(problems, validateOIDC(&cfg.OIDC)...)
	} else if len(cfg.LocalUsers) == 0 {
		problems = append(problems, "USERS: required when OIDC is disabled (comma-separated usernames)")
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	if cfg.OIDCEnabled && cfg.Policy.HasGroups() && cfg.Policy.HasEmails() {
		// Groups take precedence; the email list is dead config, not an error.
		logger.Warn("both ALLOWED_GROUPS and ALLOWED_EMAILS are set; ALLOWED_EMAILS will be ignored")
	}
	if cfg.OIDCEnabled && !cfg.Policy.HasGroups() && !cfg.Policy.HasEmails() {
		logger.Warn("neither ALLOWED_GROUPS nor ALLOWED_EMAILS is set; every OIDC login will be denied")
	}

	return cfg, nil
}

func validateOIDC(o *OIDC) []string {
	var problems []string

	if o.ClientID == "" {
		problems = append(problems, "OIDC_CLIENT_ID: required when OIDC is enabled")
	}
	if o.ClientSecret == "" {
		problems = append(problems, "OIDC_CLIENT_SECRET: required when OIDC is enabled")
	}

	// Either discovery via the issuer or a full set of manual endpoints must
	// be available. The userinfo endpoint is needed because claims are read
	// from it rather than from a self-contained ID token.
	if o.Issuer == "" {
		if o.AuthorizationEndpoint == "" {
			problems = append(problems, "OIDC_ISSUER or OIDC_AUTHORIZATION_ENDPOINT: one is required")
		}
		if o.TokenEndpoint == "" {
			problems = append(problems, "OIDC_ISSUER or OIDC_TOKEN_ENDPOINT: one is required")
		}
		if o.UserinfoEndpoint == "" {
			problems = append(problems, "OIDC_ISSUER or OIDC_USERINFO_ENDPOINT: one is required")
		}
	}

	return problems
}

// RedirectURI returns the OIDC callback URL derived from BaseURL.
func (c *Config) RedirectURI() string {
	return c.BaseURL + "/auth/callback"
}

// CookieSecure reports whether session cookies should carry the Secure flag.
func (c *Config) CookieSecure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}
