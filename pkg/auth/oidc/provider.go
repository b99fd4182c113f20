// Package oidc implements the provider-backed login flow: endpoint
// discovery, the authorization-code redirect dance, ID token nonce
// verification, and claims retrieval from the userinfo endpoint.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	goidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/homiehq/homie/pkg/config"
	"github.com/homiehq/homie/pkg/logger"
)

// ErrDiscovery is returned when endpoint discovery fails and no manual
// endpoint overrides are configured. Startup-fatal.
var ErrDiscovery = errors.New("OIDC endpoint discovery failed")

// Scopes requested on every authorization redirect. The groups scope is
// non-standard but widely supported (Authentik, Keycloak, Dex).
var Scopes = []string{goidc.ScopeOpenID, "profile", "email", "groups"}

// Provider holds the resolved endpoints and token verifier for the
// configured identity provider. Built once at startup.
type Provider struct {
	oauth    *oauth2.Config
	verifier *goidc.IDTokenVerifier

	userinfoEndpoint   string
	endSessionEndpoint string

	httpClient *http.Client
}

// providerClaims picks the extra discovery-document fields that go-oidc
// does not surface directly.
type providerClaims struct {
	UserinfoEndpoint   string `json:"userinfo_endpoint"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient sets the HTTP client used for discovery, token exchange
// and userinfo requests.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// NewProvider resolves the provider endpoints for the given configuration.
//
// When an issuer is configured, endpoints come from its well-known
// document; the fetch is retried once since it is idempotent and startup
// is the worst moment for a transient network blip. Without an issuer the
// manual endpoint overrides are used as-is, at the cost of ID token
// signature verification (no JWKS to verify against).
func NewProvider(ctx context.Context, cfg *config.Config, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.OIDC.Issuer != "" {
		if err := p.discover(ctx, cfg); err != nil {
			return nil, err
		}
		return p, nil
	}

	logger.Warn("no OIDC issuer configured; using manual endpoints without ID token signature verification")
	p.userinfoEndpoint = cfg.OIDC.UserinfoEndpoint
	p.endSessionEndpoint = cfg.OIDC.EndSessionEndpoint
	p.oauth = &oauth2.Config{
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURL:  cfg.RedirectURI(),
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.OIDC.AuthorizationEndpoint,
			TokenURL:  cfg.OIDC.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return p, nil
}

func (p *Provider) discover(ctx context.Context, cfg *config.Config) error {
	// Inject our HTTP client into go-oidc for the discovery fetch and
	// later JWKS retrievals.
	ctx = goidc.ClientContext(ctx, p.httpClient)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second

	provider, err := backoff.Retry(ctx, func() (*goidc.Provider, error) {
		return goidc.NewProvider(ctx, cfg.OIDC.Issuer)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(2))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	var extra providerClaims
	if err := provider.Claims(&extra); err != nil {
		return fmt.Errorf("%w: reading provider metadata: %w", ErrDiscovery, err)
	}

	p.userinfoEndpoint = extra.UserinfoEndpoint
	p.endSessionEndpoint = extra.EndSessionEndpoint
	if cfg.OIDC.UserinfoEndpoint != "" {
		p.userinfoEndpoint = cfg.OIDC.UserinfoEndpoint
	}
	if cfg.OIDC.EndSessionEndpoint != "" {
		p.endSessionEndpoint = cfg.OIDC.EndSessionEndpoint
	}
	if p.userinfoEndpoint == "" {
		return fmt.Errorf("%w: provider advertises no userinfo_endpoint and OIDC_USERINFO_ENDPOINT is not set", ErrDiscovery)
	}

	endpoint := provider.Endpoint()
	// Send client credentials in the request body for consistent
	// behavior across provider implementations.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p.oauth = &oauth2.Config{
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		RedirectURL:  cfg.RedirectURI(),
		Scopes:       Scopes,
		Endpoint:     endpoint,
	}
	p.verifier = provider.Verifier(&goidc.Config{ClientID: cfg.OIDC.ClientID})

	logger.Infow("OIDC endpoints discovered",
		"issuer", cfg.OIDC.Issuer,
		"has_end_session_endpoint", p.endSessionEndpoint != "")
	return nil
}

// AuthCodeURL builds the authorization redirect URL carrying the given
// state and nonce.
func (p *Provider) AuthCodeURL(state, nonce string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
}

// Exchange swaps an authorization code for tokens. Never retried: the
// code is single-use at the provider and a replayed exchange is treated
// as an attack by most implementations.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return p.oauth.Exchange(ctx, code)
}

// VerifyIDToken checks the ID token from a token response against the
// expected nonce and returns its claims. With a discovered provider the
// signature, issuer, audience and expiry are verified through the JWKS;
// with manual endpoints only the nonce claim is compared, trusting TLS
// to the token endpoint for authenticity.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (jwt.MapClaims, error) {
	if p.verifier != nil {
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verifying ID token: %w", err)
		}
		if idToken.Nonce != nonce {
			return nil, errNonceClaim
		}
		claims := jwt.MapClaims{}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("decoding ID token claims: %w", err)
		}
		return claims, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return nil, fmt.Errorf("parsing ID token: %w", err)
	}
	got, _ := claims["nonce"].(string)
	if got != nonce {
		return nil, errNonceClaim
	}
	return claims, nil
}

var errNonceClaim = errors.New("nonce claim does not match the value sent with the authorization request")

// Userinfo fetches the user's claims from the userinfo endpoint using
// the access token from the exchange.
func (p *Provider) Userinfo(ctx context.Context, token *oauth2.Token) (jwt.MapClaims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned HTTP %d", resp.StatusCode)
	}

	// Cap the response size; a userinfo document is small.
	const maxResponseSize = 1 << 20
	claims := jwt.MapClaims{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decoding userinfo response: %w", err)
	}

	return claims, nil
}

// EndSessionEndpoint returns the provider's logout endpoint, or "" when
// the provider does not advertise one.
func (p *Provider) EndSessionEndpoint() string {
	return p.endSessionEndpoint
}

// stringClaim reads a string claim, tolerating absence.
func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return strings.TrimSpace(v)
}
