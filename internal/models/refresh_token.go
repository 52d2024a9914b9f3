package models

import "time"

// Revocation reasons for refresh credentials and sessions
const (
	RevokeReasonLogout        = "logout"
	RevokeReasonRotated       = "rotated"
	RevokeReasonQuotaEviction = "quota_eviction"
	RevokeReasonAdmin         = "admin_revoke_all"
	RevokeReasonStatusChange  = "account_status_change"
	RevokeReasonIdleTimeout   = "idle_timeout"
)

// RefreshToken is a persisted, revocable refresh credential. Only the hash
// of the opaque token value is stored.
type RefreshToken struct {
	ID                string     `db:"id"`
	TokenHash         string     `db:"token_hash"`
	AccountID         string     `db:"account_id"`
	SessionID         string     `db:"session_id"`
	DeviceFingerprint string     `db:"device_fingerprint"`
	IssuedAt          time.Time  `db:"issued_at"`
	ExpiresAt         time.Time  `db:"expires_at"`
	RevokedAt         *time.Time `db:"revoked_at"`
	RevokedReason     *string    `db:"revoked_reason"`
}

// IsUsable reports whether the token can still be presented for rotation at now
func (t *RefreshToken) IsUsable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Session groups the refresh credentials minted for one login on one device.
// Access credentials carry the session id so they can be invalidated early.
type Session struct {
	ID                string     `db:"id"`
	AccountID         string     `db:"account_id"`
	DeviceFingerprint string     `db:"device_fingerprint"`
	CreatedAt         time.Time  `db:"created_at"`
	LastActivityAt    time.Time  `db:"last_activity_at"`
	EndedAt           *time.Time `db:"ended_at"`
	EndReason         *string    `db:"end_reason"`
}

// RotateRequest carries everything the refresh store needs to rotate a
// credential inside one transaction.
type RotateRequest struct {
	OldTokenHash      string
	NewTokenHash      string
	DeviceFingerprint string
	ExpiresAt         time.Time
	IdleCutoff        time.Time // sessions with last activity before this are expired
	MaxPerAccount     int
	Now               time.Time
}

// RotateResult describes the outcome of a successful rotation
type RotateResult struct {
	Account   *Account
	SessionID string
	Evicted   int
}

// IssueRequest carries the parameters for minting the first refresh
// credential of a new session.
type IssueRequest struct {
	AccountID         string
	TokenHash         string
	DeviceFingerprint string
	ExpiresAt         time.Time
	MaxPerAccount     int
	Now               time.Time
}

// IssueResult describes a freshly created session
type IssueResult struct {
	SessionID string
	Evicted   int
}
