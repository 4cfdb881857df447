// Package principal carries the caller identity threaded through every
// operation: the authenticated user, the roles granted to it, and the
// optional provider context when the caller acts as an auth delegate.
package principal

import "github.com/google/uuid"

// Role is a platform role held by a user.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleProvider Role = "PROVIDER"
	RoleConsumer Role = "CONSUMER"
	RoleDelegate Role = "DELEGATE"
	RoleTrustee  Role = "TRUSTEE"
)

// ParseRole normalizes a role string. ok is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleProvider, RoleConsumer, RoleDelegate, RoleTrustee:
		return Role(s), true
	}
	return "", false
}

// User is the authenticated caller of an operation.
type User struct {
	ID    uuid.UUID
	Roles []Role
}

// HasRole reports whether the user holds the given role.
func (u User) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds at least one of the given roles.
func (u User) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

// Delegation is the provider context of a caller acting as an auth
// delegate. A nil *Delegation means the caller acts as itself.
type Delegation struct {
	ProviderID uuid.UUID
}

// IsDelegated reports whether a delegation context is present.
func (d *Delegation) IsDelegated() bool {
	return d != nil && d.ProviderID != uuid.Nil
}

// ActingOwner resolves the owner id an operation should run under: the
// delegating provider when present, otherwise the user itself.
func ActingOwner(u User, d *Delegation) uuid.UUID {
	if d.IsDelegated() {
		return d.ProviderID
	}
	return u.ID
}
