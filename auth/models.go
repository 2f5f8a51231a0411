// Package auth verifies bearer tokens issued by the marketplace's identity
// service and turns them into a Principal.
package auth

import "errors"

type Role string

const (
	RoleBroker  Role = "broker"
	RoleCarrier Role = "carrier"
	RoleAdmin   Role = "admin"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or wrongly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden signals an authenticated principal acting outside its role.
	ErrForbidden = errors.New("auth: forbidden")
)

// Principal is the caller identified by a verified token. PartyID is the
// broker or carrier id used throughout offers and contracts.
type Principal struct {
	PartyID string
	Role    Role
}

// Is reports whether the principal holds one of roles.
func (p Principal) Is(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

func isValidRole(role Role) bool {
	switch role {
	case RoleBroker, RoleCarrier, RoleAdmin:
		return true
	default:
		return false
	}
}
