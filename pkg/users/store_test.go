package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homiehq/homie/pkg/auth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "homie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func oidcIdentity(email string) *auth.Identity {
	return &auth.Identity{
		Subject: "sub-" + email,
		Name:    "Some Body",
		Email:   email,
		Mode:    auth.ModeOIDC,
		Claims:  jwt.MapClaims{"preferred_username": ""},
	}
}

func TestGetOrCreate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, oidcIdentity("dad@example.com"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "dad", created.Username)
	assert.Equal(t, "dad@example.com", created.Email)
	assert.False(t, created.IsAdmin)
	assert.False(t, created.CreatedAt.IsZero())

	// A second login with updated profile fields reuses the record.
	identity := oidcIdentity("dad@example.com")
	identity.Name = "Dad Example"
	identity.IsAdmin = true
	again, err := store.GetOrCreate(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "Dad Example", again.FullName)
	assert.True(t, again.IsAdmin, "admin status follows the current allow-list")
	assert.False(t, again.LastLogin.Before(created.LastLogin))
}

func TestGetOrCreateSeparatesAuthModes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	oidcUser, err := store.GetOrCreate(ctx, &auth.Identity{Subject: "dad", Mode: auth.ModeOIDC})
	require.NoError(t, err)
	localUser, err := store.GetOrCreate(ctx, &auth.Identity{Subject: "dad", Mode: auth.ModeLocal})
	require.NoError(t, err)

	assert.NotEqual(t, oidcUser.ID, localUser.ID)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersByUsername(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"sarah", "bill", "dad"} {
		_, err := store.GetOrCreate(ctx, &auth.Identity{Subject: name, Mode: auth.ModeLocal})
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bill", all[0].Username)
	assert.Equal(t, "dad", all[1].Username)
	assert.Equal(t, "sarah", all[2].Username)
}

func TestFeatureDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreate(ctx, oidcIdentity("bill@example.com"))
	require.NoError(t, err)

	// No overrides stored: everything is visible.
	enabled, err := store.FeatureEnabled(ctx, user.ID, "bills")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, store.SetFeature(ctx, user.ID, "bills", false, "admin-id"))

	enabled, err = store.FeatureEnabled(ctx, user.ID, "bills")
	require.NoError(t, err)
	assert.False(t, enabled)

	features, err := store.FeaturesFor(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, features["bills"])
	assert.True(t, features["chores"])
	assert.Len(t, features, len(Features))

	// Flipping it back overwrites the stored override.
	require.NoError(t, store.SetFeature(ctx, user.ID, "bills", true, "admin-id"))
	enabled, err = store.FeatureEnabled(ctx, user.ID, "bills")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestSetFeatureRejectsUnknownNames(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreate(ctx, oidcIdentity("bill@example.com"))
	require.NoError(t, err)

	err = store.SetFeature(ctx, user.ID, "launch_codes", true, "admin-id")
	assert.ErrorIs(t, err, ErrUnknownFeature)

	_, err = store.FeatureEnabled(ctx, user.ID, "launch_codes")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestSetFeatureUnknownUser(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	err := store.SetFeature(context.Background(), "no-such-id", "bills", false, "admin-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchActivity(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreate(ctx, oidcIdentity("sarah@example.com"))
	require.NoError(t, err)

	require.NoError(t, store.TouchActivity(ctx, user.ID))

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.LastActivity.Before(user.LastActivity))

	assert.ErrorIs(t, store.TouchActivity(ctx, "no-such-id"), ErrNotFound)
}

func TestListFeatures(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	dad, err := store.GetOrCreate(ctx, &auth.Identity{Subject: "dad", Mode: auth.ModeLocal})
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, &auth.Identity{Subject: "bill", Mode: auth.ModeLocal})
	require.NoError(t, err)
	require.NoError(t, store.SetFeature(ctx, dad.ID, "tracker", false, "admin-id"))

	all, err := store.ListFeatures(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "bill", all[0].User.Username)
	assert.True(t, all[0].Features["tracker"])
	assert.Equal(t, "dad", all[1].User.Username)
	assert.False(t, all[1].Features["tracker"])
}

func TestUsernameFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		identity *auth.Identity
		want     string
	}{
		{
			name: "preferred username claim wins",
			identity: &auth.Identity{
				Subject: "abc123",
				Email:   "dad@example.com",
				Claims:  jwt.MapClaims{"preferred_username": "dad.example"},
			},
			want: "dad.example",
		},
		{
			name:     "email local part",
			identity: &auth.Identity{Subject: "abc123", Email: "dad@example.com"},
			want:     "dad",
		},
		{
			name:     "subject fallback",
			identity: &auth.Identity{Subject: "Dad"},
			want:     "Dad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, usernameFor(tt.identity))
		})
	}
}
