package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5"
)

// SessionRepository tracks per-device login sessions. A session outlives
// refresh rotation and is what idle timeout is measured against.
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, account_id, device_fingerprint, created_at, last_activity_at, ended_at, end_reason`

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session
	err := scanner.Scan(
		&s.ID, &s.AccountID, &s.DeviceFingerprint,
		&s.CreatedAt, &s.LastActivityAt, &s.EndedAt, &s.EndReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.db.Pool.QueryRow(ctx, query, id))
}

// Touch records activity on a live session. It reports false when the
// session has ended or has been idle since before idleCutoff; the check and
// the update are a single statement.
func (r *SessionRepository) Touch(ctx context.Context, id string, now, idleCutoff time.Time) (bool, error) {
	query := `
		UPDATE sessions SET last_activity_at = $2
		WHERE id = $1 AND ended_at IS NULL AND last_activity_at >= $3
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, now, idleCutoff)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// End closes a session and revokes its refresh credentials. Ending an
// already ended session is a no-op.
func (r *SessionRepository) End(ctx context.Context, id, reason string, now time.Time) error {
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return endSession(ctx, tx, id, reason, now)
	})
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// DeleteEndedBefore prunes ended sessions whose refresh credentials are gone
func (r *SessionRepository) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM sessions s
		WHERE s.ended_at IS NOT NULL AND s.ended_at < $1
		  AND NOT EXISTS (SELECT 1 FROM refresh_tokens t WHERE t.session_id = s.id)
	`
	tag, err := r.db.Pool.Exec(ctx, query, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func endSession(ctx context.Context, q database.DBTX, sessionID, reason string, now time.Time) error {
	if _, err := q.Exec(ctx, `
		UPDATE sessions SET ended_at = $2, end_reason = $3
		WHERE id = $1 AND ended_at IS NULL
	`, sessionID, now, reason); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
		WHERE session_id = $1 AND revoked_at IS NULL
	`, sessionID, now, reason); err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	return nil
}

// revokeAccount ends every session of the account and revokes all of its
// refresh credentials, returning the number of credentials revoked
func revokeAccount(ctx context.Context, q database.DBTX, accountID, reason string, now time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke account tokens: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE sessions SET ended_at = $2, end_reason = $3
		WHERE account_id = $1 AND ended_at IS NULL
	`, accountID, now, reason); err != nil {
		return 0, fmt.Errorf("end account sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
