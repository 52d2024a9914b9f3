package models

import "time"

// Failure reasons recorded on the attempt ledger
const (
	FailureReasonUnknownUser      = "unknown_user"
	FailureReasonInvalidPassword  = "invalid_password"
	FailureReasonPasswordDisabled = "password_disabled"
	FailureReasonAccountLocked    = "account_locked"
	FailureReasonAccountInactive  = "account_inactive"
	FailureReasonRiskBlocked      = "risk_blocked"
	FailureReasonOriginBlocked    = "origin_blocked"
)

// LoginAttempt represents a single login attempt in the system.
// Records are append-only.
type LoginAttempt struct {
	ID                string    `db:"id"`
	AccountID         *string   `db:"account_id"`
	Username          string    `db:"username"`
	IPAddress         string    `db:"ip_address"`
	UserAgent         string    `db:"user_agent"`
	DeviceFingerprint string    `db:"device_fingerprint"`
	Success           bool      `db:"success"`
	FailureReason     *string   `db:"failure_reason"`
	AttemptedAt       time.Time `db:"attempted_at"`
}

// LockoutDecision is the outcome of evaluating an account's recent failures
type LockoutDecision struct {
	Locked      bool
	Remaining   int
	FailedCount int
	// JustLocked is set only for the evaluation that moved the account to locked
	JustLocked bool
}
