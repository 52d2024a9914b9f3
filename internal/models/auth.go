package models

import (
	"github.com/golang-jwt/jwt/v5"
)

const TokenTypeAccess = "access"

// TokenClaims are the claims carried by a signed access credential
type TokenClaims struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// AccountClaims is the validated identity of a request. It is built from a
// verified access credential and the account's current state, and is passed
// explicitly to collaborators instead of living in ambient session state.
type AccountClaims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

// IsAdmin reports whether the claims carry the admin role
func (c *AccountClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// TokenPair is returned by login and refresh
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"-"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	SessionID    string `json:"-"`
}
