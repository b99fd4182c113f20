package auth

import (
	"context"
)

// IdentityContextKey is the key used to store Identity in the request context.
//
// Using an empty struct as the key prevents collisions with other context keys,
// as each empty struct type is distinct even if they have the same name in
// different packages.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
//
// This is called by the session middleware after resolving the session cookie
// to make the identity available to downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context, or nil when
// the request is anonymous.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity
}
