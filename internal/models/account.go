package models

import (
	"time"
)

// Account roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account statuses
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
	AccountStatusLocked   = "locked"
)

type Account struct {
	ID           string
	Username     string
	PasswordHash string // empty when the password has been disabled
	Email        string
	Role         string // "user" or "admin"
	Status       string // "active", "inactive", "locked"
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// LockoutResetAt is set when an admin unlocks the account. Failed
	// attempts before it are ignored by lockout evaluation.
	LockoutResetAt *time.Time
}

// IsActive reports whether the account may authenticate.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// ValidRole reports whether role is a recognized account role.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}

// ValidStatus reports whether status is a recognized account status.
func ValidStatus(status string) bool {
	switch status {
	case AccountStatusActive, AccountStatusInactive, AccountStatusLocked:
		return true
	}
	return false
}
