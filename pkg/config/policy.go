package config

import "strings"

// AccessPolicy holds the validated allow-lists used to decide whether an
// OIDC principal may log in, and which principals are admins.
//
// The lists are parsed once at startup into sets; access decisions are
// recomputed at every login from these sets, never cached per user, so
// removing an email or group takes effect on the next login.
type AccessPolicy struct {
	allowedEmails map[string]struct{}
	allowedGroups map[string]struct{}
	adminEmails   map[string]struct{}
}

// NewAccessPolicy builds an AccessPolicy from the parsed allow-lists.
// Email comparisons are case-insensitive; group comparisons are exact.
func NewAccessPolicy(allowedEmails, allowedGroups, adminEmails []string) AccessPolicy {
	p := AccessPolicy{
		allowedEmails: make(map[string]struct{}, len(allowedEmails)),
		allowedGroups: make(map[string]struct{}, len(allowedGroups)),
		adminEmails:   make(map[string]struct{}, len(adminEmails)),
	}
	for _, e := range allowedEmails {
		p.allowedEmails[strings.ToLower(e)] = struct{}{}
	}
	for _, g := range allowedGroups {
		p.allowedGroups[g] = struct{}{}
	}
	for _, e := range adminEmails {
		p.adminEmails[strings.ToLower(e)] = struct{}{}
	}
	return p
}

// HasGroups reports whether a group allow-list is configured.
func (p *AccessPolicy) HasGroups() bool {
	return len(p.allowedGroups) > 0
}

// HasEmails reports whether an email allow-list is configured.
func (p *AccessPolicy) HasEmails() bool {
	return len(p.allowedEmails) > 0
}

// Allows decides whether a principal with the given email and groups may
// log in.
//
// When a group allow-list is configured it is authoritative and the email
// list is ignored entirely, even if both are set. With no allow-list
// configured at all, access is denied by default.
func (p *AccessPolicy) Allows(email string, groups []string) bool {
	if p.HasGroups() {
		for _, g := range groups {
			if _, ok := p.allowedGroups[g]; ok {
				return true
			}
		}
		return false
	}

	if p.HasEmails() {
		if email == "" {
			return false
		}
		_, ok := p.allowedEmails[strings.ToLower(email)]
		return ok
	}

	return false
}

// IsAdmin reports whether the email is in ADMIN_EMAILS.
func (p *AccessPolicy) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	_, ok := p.adminEmails[strings.ToLower(email)]
	return ok
}
