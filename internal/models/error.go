package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Authentication errors surfaced to callers
	ErrInvalidCredentials = errors.New("username or password incorrect")
	ErrRateLimited        = errors.New("too many attempts, try again later")
	ErrTokenInvalid       = errors.New("invalid or expired token")
	ErrSessionExpired     = errors.New("session expired, please log in again")
	ErrSessionRevoked     = errors.New("session revoked, please log in again")
	ErrFormTokenInvalid   = errors.New("form token invalid or expired")
	ErrStorageFailure     = errors.New("temporary failure, try again")

	// Account state errors, recorded on the audit trail only
	ErrAccountLocked   = errors.New("account is locked")
	ErrAccountInactive = errors.New("account is inactive")
)

// RateLimitError reports an origin or risk based block with a retry hint
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrRateLimited.Error(), e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Failure kinds recorded on the audit trail
type FailureKind string

const (
	FailureInvalidCredentials FailureKind = "invalid_credentials"
	FailureAccountLocked      FailureKind = "account_locked"
	FailureAccountInactive    FailureKind = "account_inactive"
	FailureRateLimited        FailureKind = "rate_limited"
	FailureTokenInvalid       FailureKind = "token_invalid"
	FailureSessionExpired     FailureKind = "session_expired"
	FailureSessionRevoked     FailureKind = "session_revoked"
	FailureStorage            FailureKind = "storage_failure"
)

// AuthFailure is the detailed, internal description of a rejected operation.
// It is written once to the audit trail and then collapsed to one of the
// generic sentinels before it reaches the caller.
type AuthFailure struct {
	Kind      FailureKind
	AccountID *string
	Detail    string

	// RetryAfter is the retry hint for rate limited failures
	RetryAfter time.Duration
}

func (f *AuthFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Public maps the failure to the error returned to the original caller
func (f *AuthFailure) Public() error {
	switch f.Kind {
	case FailureInvalidCredentials, FailureAccountLocked, FailureAccountInactive:
		return ErrInvalidCredentials
	case FailureRateLimited:
		if f.RetryAfter > 0 {
			return &RateLimitError{RetryAfter: f.RetryAfter}
		}
		return ErrRateLimited
	case FailureTokenInvalid:
		return ErrTokenInvalid
	case FailureSessionExpired:
		return ErrSessionExpired
	case FailureSessionRevoked:
		return ErrSessionRevoked
	default:
		return ErrStorageFailure
	}
}
