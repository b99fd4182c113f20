package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/session"
)

func newTestEngine(t *testing.T, roster ...string) *Engine {
	t.Helper()

	store := session.NewMemoryStore(session.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	return NewEngine(roster, store, time.Hour)
}

func TestUsersKeepsConfiguredOrder(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, "Dad", "Bill", "Sarah")
	assert.Equal(t, []string{"Dad", "Bill", "Sarah"}, engine.Users())

	// Callers cannot mutate the roster through the returned slice.
	engine.Users()[0] = "Mallory"
	assert.Equal(t, []string{"Dad", "Bill", "Sarah"}, engine.Users())
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, "Dad", "Bill", "Sarah")

	sess, err := engine.Login(context.Background(), "Bill")
	require.NoError(t, err)

	require.True(t, sess.Authenticated())
	assert.Equal(t, "Bill", sess.Identity.Subject)
	assert.Equal(t, auth.ModeLocal, sess.Identity.Mode)
	assert.False(t, sess.Identity.IsAdmin, "local users are never admins")
	assert.NotEmpty(t, sess.CSRFToken)

	for feature, enabled := range sess.FeatureFlags {
		assert.True(t, enabled, "feature %q should default on in local mode", feature)
	}
	assert.NotEmpty(t, sess.FeatureFlags)
}

func TestLoginMatchingIsExact(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, "Dad", "Bill", "Sarah")
	ctx := context.Background()

	tests := []string{"dad", "BILL", "sarah ", " Sarah", "Mallory", ""}
	for _, username := range tests {
		_, err := engine.Login(ctx, username)
		assert.ErrorIs(t, err, ErrUnknownUser, "username %q must not match", username)
	}
}

func TestLoginSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, "Dad", "Bill")
	ctx := context.Background()

	first, err := engine.Login(ctx, "Dad")
	require.NoError(t, err)
	second, err := engine.Login(ctx, "Dad")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.CSRFToken, second.CSRFToken)
}
