package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func TestIdentityString(t *testing.T) {
	t.Parallel()

	var nilIdentity *Identity
	assert.Equal(t, "<nil>", nilIdentity.String())

	id := &Identity{
		Subject: "user123",
		Email:   "user@example.com",
		Mode:    ModeOIDC,
		Claims:  jwt.MapClaims{"secret_claim": "do-not-log"},
	}
	s := id.String()
	assert.Contains(t, s, "user123")
	assert.NotContains(t, s, "do-not-log")
}

func TestGroupsFromClaims(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   []string
	}{
		{
			name:   "missing groups claim",
			claims: jwt.MapClaims{"sub": "user"},
			want:   nil,
		},
		{
			name:   "array of strings",
			claims: jwt.MapClaims{"groups": []any{"family", "admins"}},
			want:   []string{"family", "admins"},
		},
		{
			name:   "single string",
			claims: jwt.MapClaims{"groups": "family"},
			want:   []string{"family"},
		},
		{
			name:   "string slice",
			claims: jwt.MapClaims{"groups": []string{"family"}},
			want:   []string{"family"},
		},
		{
			name:   "non-string entries skipped",
			claims: jwt.MapClaims{"groups": []any{"family", 42}},
			want:   []string{"family"},
		},
		{
			name:   "unexpected type",
			claims: jwt.MapClaims{"groups": 42},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, GroupsFromClaims(tt.claims))
		})
	}
}

func TestIdentityContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Empty context has no identity.
	assert.Nil(t, IdentityFromContext(ctx))

	// Nil identity leaves the context unchanged.
	assert.Equal(t, ctx, WithIdentity(ctx, nil))

	id := &Identity{Subject: "bill", Mode: ModeLocal}
	ctx = WithIdentity(ctx, id)
	assert.Same(t, id, IdentityFromContext(ctx))
}
