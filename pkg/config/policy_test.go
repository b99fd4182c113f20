package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessPolicyGroupsTakePrecedence(t *testing.T) {
	t.Parallel()

	// Both lists set: only group membership counts.
	policy := NewAccessPolicy([]string{"x@y.com"}, []string{"family"}, nil)

	assert.True(t, policy.Allows("someone-else@example.com", []string{"family"}))
	assert.False(t, policy.Allows("x@y.com", nil), "allow-listed email must be ignored when groups are configured")
	assert.False(t, policy.Allows("x@y.com", []string{"strangers"}))
}

func TestAccessPolicyEmails(t *testing.T) {
	t.Parallel()

	policy := NewAccessPolicy([]string{"Dad@Example.com"}, nil, nil)

	assert.True(t, policy.Allows("dad@example.com", nil), "email match is case-insensitive")
	assert.True(t, policy.Allows("DAD@EXAMPLE.COM", nil))
	assert.False(t, policy.Allows("mallory@example.com", nil))
	assert.False(t, policy.Allows("", nil))
}

func TestAccessPolicyDeniesByDefault(t *testing.T) {
	t.Parallel()

	policy := NewAccessPolicy(nil, nil, nil)

	assert.False(t, policy.Allows("anyone@example.com", []string{"any-group"}))
}

func TestAccessPolicyIsAdmin(t *testing.T) {
	t.Parallel()

	policy := NewAccessPolicy(nil, []string{"family"}, []string{"a@b.com"})

	assert.True(t, policy.IsAdmin("a@b.com"))
	assert.True(t, policy.IsAdmin("A@B.com"))
	assert.False(t, policy.IsAdmin("c@d.com"))
	assert.False(t, policy.IsAdmin(""))
}
