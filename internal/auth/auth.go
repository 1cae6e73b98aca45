// Package auth implements operator authentication for the broker: bcrypt
// password storage, JWT access/refresh tokens, per-IP login rate limiting,
// and single-use password-reset tokens. It owns the User type; persistence
// lives behind narrow interfaces implemented by the store.
package auth

import (
	"errors"
	"time"
)

// Operator roles.
const (
	RoleAdmin       = "admin"
	RoleUserManager = "user_manager"
	RoleUser        = "user"
)

// ValidRole reports whether r is a recognized role.
func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleUserManager || r == RoleUser
}

// User is an operator account. A user with role "user" is linked to one
// sender client and sees only that client's messages; "user_manager" may
// additionally manage user accounts; "admin" may do everything.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	ClientID     string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// CanManageUsers reports whether the user may create, list, and modify
// operator accounts.
func (u User) CanManageUsers() bool {
	return u.Role == RoleAdmin || u.Role == RoleUserManager
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CanReadClient reports whether the user may see messages belonging to
// clientID.
func (u User) CanReadClient(clientID string) bool {
	if u.Role == RoleAdmin {
		return true
	}
	return u.ClientID != "" && u.ClientID == clientID
}

// Sentinel errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrRateLimited        = errors.New("too many login attempts")
	ErrTokenInvalid       = errors.New("invalid or expired token")
	ErrUnknownUser        = errors.New("unknown user")
)
