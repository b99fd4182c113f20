// Package auth provides authentication and authorization utilities.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Mode identifies how a principal was authenticated.
type Mode string

const (
	// ModeOIDC marks identities established through the external OIDC provider.
	ModeOIDC Mode = "oidc"

	// ModeLocal marks identities established through passwordless local login.
	ModeLocal Mode = "local"
)

// Identity represents an authenticated household member.
// This is the primary type for representing authenticated principals throughout homie.
type Identity struct {
	// Subject is the unique identifier for the principal: the OIDC 'sub'
	// claim, or the configured username in local mode.
	Subject string

	// Name is the human-readable name (from 'name' claim, or the username).
	Name string

	// Email is the email address (from 'email' claim, if available).
	// Empty in local mode.
	Email string

	// Groups are the groups this identity belongs to, extracted from the
	// provider's group claim. Always empty in local mode.
	Groups []string

	// IsAdmin is derived from ADMIN_EMAILS at login time. Local mode has no
	// admin concept, so it is always false there.
	IsAdmin bool

	// Mode records which login path established this identity.
	Mode Mode

	// Claims preserves the raw claims from the provider for anything the
	// typed fields above don't cover. Nil in local mode.
	Claims jwt.MapClaims
}

// String returns a short representation of the Identity. Raw claims are
// omitted so that printing an identity never dumps provider data into logs.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}

	return fmt.Sprintf("Identity{Subject:%q, Mode:%q}", i.Subject, i.Mode)
}

// GroupsFromClaims extracts the group list from a claims map.
//
// Group claim values vary by provider: most return a JSON array, but some
// return a single string. Both forms are accepted; anything else yields nil.
func GroupsFromClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["groups"]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		groups := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
		return groups
	default:
		return nil
	}
}
