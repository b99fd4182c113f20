// Package users persists household member records and their per-user
// feature visibility in SQLite. Records are upserted at login time from
// the authenticated identity; feature flags are toggled by admins.
package users

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no user record matches the query.
var ErrNotFound = errors.New("user not found")

// ErrUnknownFeature is returned when a feature name is not one of Features.
var ErrUnknownFeature = errors.New("unknown feature")

// Features is the fixed set of app areas that can be toggled per user.
// Unknown names are rejected rather than stored.
var Features = []string{"shopping", "chores", "tracker", "bills", "budget"}

// User is a persisted household member.
type User struct {
	ID           string
	Subject      string
	Username     string
	Email        string
	FullName     string
	IsAdmin      bool
	AuthMode     string
	CreatedAt    time.Time
	LastLogin    time.Time
	LastActivity time.Time
}

// UserFeatures pairs a user with their resolved feature visibility,
// as shown on the admin panel.
type UserFeatures struct {
	User     User
	Features map[string]bool
}

func validFeature(name string) bool {
	for _, f := range Features {
		if f == name {
			return true
		}
	}
	return false
}

// DefaultFeatures returns the visibility map for a user with no stored
// overrides: everything on.
func DefaultFeatures() map[string]bool {
	m := make(map[string]bool, len(Features))
	for _, f := range Features {
		m[f] = true
	}
	return m
}
