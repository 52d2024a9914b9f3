package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginAttemptRepository is the append-only attempt ledger
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// LockoutPolicy parameterizes one lockout evaluation
type LockoutPolicy struct {
	AttemptsLimit int
	WindowStart   time.Time
	Now           time.Time
}

// Failures that count toward a lockout. Attempts rejected before the
// password was checked (locked, inactive, blocked) do not.
const credentialFailure = `failure_reason IN ('invalid_password', 'password_disabled')`

// Failures that look like password guessing from an origin, including
// guesses against unknown usernames
const guessFailure = `failure_reason IN ('unknown_user', 'invalid_password', 'password_disabled')`

func insertAttempt(ctx context.Context, q database.DBTX, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (account_id, username, ip_address, user_agent, device_fingerprint, success, failure_reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return q.QueryRow(ctx, query,
		attempt.AccountID,
		attempt.Username,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.DeviceFingerprint,
		attempt.Success,
		attempt.FailureReason,
		attempt.AttemptedAt,
	).Scan(&attempt.ID)
}

// RecordAttempt appends an attempt to the ledger
func (r *LoginAttemptRepository) RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	if err := insertAttempt(ctx, r.db.Pool, attempt); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// RecordFailureAndEvaluate appends a failed attempt for an existing account
// and re-evaluates its lockout under the account row lock, so concurrent
// failures for one account are counted one at a time. Failures count from
// the latest of the window start, the last successful login and the last
// admin unlock. Reaching the limit locks the account and revokes all of its
// refresh credentials in the same transaction.
func (r *LoginAttemptRepository) RecordFailureAndEvaluate(ctx context.Context, attempt *models.LoginAttempt, policy LockoutPolicy) (models.LockoutDecision, error) {
	var decision models.LockoutDecision
	if attempt.AccountID == nil {
		return decision, models.ErrBadRequest
	}
	accountID := *attempt.AccountID

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		account, err := lockAccountRow(ctx, tx, accountID)
		if err != nil {
			return err
		}

		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}

		since := policy.WindowStart
		if account.LockoutResetAt != nil && account.LockoutResetAt.After(since) {
			since = *account.LockoutResetAt
		}

		countQuery := `
			SELECT COUNT(*) FROM login_attempts
			WHERE account_id = $1 AND success = false AND ` + credentialFailure + `
			  AND attempted_at >= $2
			  AND attempted_at > COALESCE(
			      (SELECT MAX(attempted_at) FROM login_attempts WHERE account_id = $1 AND success = true),
			      '-infinity'::timestamptz)
		`
		if err := tx.QueryRow(ctx, countQuery, accountID, since).Scan(&decision.FailedCount); err != nil {
			return err
		}

		if account.Status == models.AccountStatusLocked {
			decision.Locked = true
			return nil
		}

		if decision.FailedCount < policy.AttemptsLimit {
			decision.Remaining = policy.AttemptsLimit - decision.FailedCount
			return nil
		}

		decision.Locked = true
		tag, err := tx.Exec(ctx, `
			UPDATE accounts SET status = 'locked', updated_at = $2
			WHERE id = $1 AND status <> 'locked'
		`, accountID, policy.Now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			decision.JustLocked = true
			if _, err := revokeAccount(ctx, tx, accountID, models.RevokeReasonStatusChange, policy.Now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.LockoutDecision{}, database.MapPostgresError(err)
	}
	return decision, nil
}

// CountFailuresByIP counts guessing failures from an origin since a time.
// Attempts rejected because the origin was already blocked do not count,
// so a block is not extended by the traffic it rejects.
func (r *LoginAttemptRepository) CountFailuresByIP(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE ip_address = $1 AND success = false AND ` + guessFailure + `
		  AND attempted_at >= $2
	`
	var count int
	if err := r.db.Pool.QueryRow(ctx, query, ipAddress, since).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// CountFailuresByUsername counts credential failures for a username since
// its last successful login, bounded by since
func (r *LoginAttemptRepository) CountFailuresByUsername(ctx context.Context, username string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE username = $1 AND success = false AND ` + guessFailure + `
		  AND attempted_at >= $2
		  AND attempted_at > COALESCE(
		      (SELECT MAX(attempted_at) FROM login_attempts WHERE username = $1 AND success = true),
		      '-infinity'::timestamptz)
	`
	var count int
	if err := r.db.Pool.QueryRow(ctx, query, username, since).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// CountDistinctUsernamesByIP counts how many different usernames failed
// from one origin since a time
func (r *LoginAttemptRepository) CountDistinctUsernamesByIP(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT username) FROM login_attempts
		WHERE ip_address = $1 AND success = false AND ` + guessFailure + `
		  AND attempted_at >= $2
	`
	var count int
	if err := r.db.Pool.QueryRow(ctx, query, ipAddress, since).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// SuccessHistory reports whether a username has ever logged in successfully,
// and whether it has done so from ipAddress
func (r *LoginAttemptRepository) SuccessHistory(ctx context.Context, username, ipAddress string) (hasAny bool, fromIP bool, err error) {
	query := `
		SELECT COUNT(*) > 0, COUNT(*) FILTER (WHERE ip_address = $2) > 0
		FROM login_attempts
		WHERE username = $1 AND success = true
	`
	if err := r.db.Pool.QueryRow(ctx, query, username, ipAddress).Scan(&hasAny, &fromIP); err != nil {
		return false, false, database.MapPostgresError(err)
	}
	return hasAny, fromIP, nil
}

// DeleteOlderThan prunes attempts outside the retention period
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempts WHERE attempted_at < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
