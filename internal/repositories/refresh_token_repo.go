package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RefreshTokenRepository persists refresh credentials by hash. Every state
// change that must be atomic with another (rotation, quota eviction,
// session teardown) runs in one transaction here.
type RefreshTokenRepository struct {
	db *database.DB
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const refreshTokenColumns = `id, token_hash, account_id, session_id, device_fingerprint, issued_at, expires_at, revoked_at, revoked_reason`

func scanRefreshTokenRow(scanner rowScanner) (*models.RefreshToken, error) {
	var t models.RefreshToken
	err := scanner.Scan(
		&t.ID, &t.TokenHash, &t.AccountID, &t.SessionID, &t.DeviceFingerprint,
		&t.IssuedAt, &t.ExpiresAt, &t.RevokedAt, &t.RevokedReason,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// FindByHash returns a credential in any state. Used to classify failures
// for the audit trail, never to authorize.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	return scanRefreshTokenRow(r.db.Pool.QueryRow(ctx, query, tokenHash))
}

// CountLive counts non-revoked, non-expired credentials of an account
func (r *RefreshTokenRepository) CountLive(ctx context.Context, accountID string, now time.Time) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, accountID, now).Scan(&n)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}

func accountInactiveErr(status string) error {
	if status == models.AccountStatusLocked {
		return models.ErrAccountLocked
	}
	return models.ErrAccountInactive
}

// Issue starts a new session with its first refresh credential. Under the
// account row lock the oldest live credentials are evicted until the new
// one fits the per-account quota.
func (r *RefreshTokenRepository) Issue(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error) {
	result := &models.IssueResult{SessionID: uuid.New().String()}

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		account, err := lockAccountRow(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if !account.IsActive() {
			return accountInactiveErr(account.Status)
		}

		evicted, err := enforceQuota(ctx, tx, req.AccountID, req.MaxPerAccount, req.Now)
		if err != nil {
			return err
		}
		result.Evicted = evicted

		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, account_id, device_fingerprint, created_at, last_activity_at)
			VALUES ($1, $2, $3, $4, $4)
		`, result.SessionID, req.AccountID, req.DeviceFingerprint, req.Now); err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		return insertRefreshToken(ctx, tx, req.TokenHash, req.AccountID, result.SessionID, req.DeviceFingerprint, req.Now, req.ExpiresAt)
	})
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return result, nil
}

type rotateOutcome int

const (
	rotateOK rotateOutcome = iota
	rotateSessionExpired
	rotateAccountRevoked
)

// Rotate exchanges a refresh credential for a new one in the same session.
// The account row lock is taken before any credential row, the same order
// as every other transaction that touches an account's credentials. The old
// credential is then claimed with a conditional update, so of several
// concurrent rotations with one credential exactly one succeeds; the others
// see ErrTokenInvalid. An idle or inactive session is torn down and
// committed before ErrSessionExpired is returned. A locked or inactive
// account has all of its sessions torn down and yields ErrSessionRevoked.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, req models.RotateRequest) (*models.RotateResult, error) {
	result := &models.RotateResult{}
	outcome := rotateOK

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		accountID, err := accountForToken(ctx, tx, req.OldTokenHash)
		if err != nil {
			return err
		}

		account, err := lockAccountRow(ctx, tx, accountID)
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTokenInvalid
		}
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			UPDATE refresh_tokens SET revoked_at = $4, revoked_reason = $5
			WHERE token_hash = $1 AND account_id = $2 AND device_fingerprint = $3
			  AND revoked_at IS NULL AND expires_at > $4
			RETURNING session_id
		`, req.OldTokenHash, accountID, req.DeviceFingerprint, req.Now, models.RevokeReasonRotated).Scan(&result.SessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrTokenInvalid
		}
		if err != nil {
			return err
		}

		result.Account = account
		if !account.IsActive() {
			outcome = rotateAccountRevoked
			_, err := revokeAccount(ctx, tx, accountID, models.RevokeReasonStatusChange, req.Now)
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET last_activity_at = $2
			WHERE id = $1 AND ended_at IS NULL AND last_activity_at >= $3
		`, result.SessionID, req.Now, req.IdleCutoff)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			outcome = rotateSessionExpired
			return endSession(ctx, tx, result.SessionID, models.RevokeReasonIdleTimeout, req.Now)
		}

		evicted, err := enforceQuota(ctx, tx, accountID, req.MaxPerAccount, req.Now)
		if err != nil {
			return err
		}
		result.Evicted = evicted

		return insertRefreshToken(ctx, tx, req.NewTokenHash, accountID, result.SessionID, req.DeviceFingerprint, req.Now, req.ExpiresAt)
	})
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	switch outcome {
	case rotateSessionExpired:
		return result, models.ErrSessionExpired
	case rotateAccountRevoked:
		return result, models.ErrSessionRevoked
	}
	return result, nil
}

// RevokeByHash revokes a credential and ends its session. It reports the
// session that was ended, or an empty id when nothing live matched.
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash, reason string, now time.Time) (*models.RefreshToken, error) {
	var revoked *models.RefreshToken
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		accountID, err := accountForToken(ctx, tx, tokenHash)
		if errors.Is(err, models.ErrTokenInvalid) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := lockAccountRow(ctx, tx, accountID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			return err
		}

		t, err := scanRefreshTokenRow(tx.QueryRow(ctx, `
			UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
			WHERE token_hash = $1 AND revoked_at IS NULL
			RETURNING `+refreshTokenColumns,
			tokenHash, now, reason))
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		revoked = t
		return endSession(ctx, tx, t.SessionID, reason, now)
	})
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return revoked, nil
}

// RevokeAllForAccount revokes every credential and ends every session of an
// account, returning how many credentials were revoked
func (r *RefreshTokenRepository) RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		n, err = revokeAccount(ctx, tx, accountID, reason, now)
		return err
	})
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}

// DeleteStale removes credentials that expired or were revoked before the cutoff
func (r *RefreshTokenRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
	`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// accountForToken reads the owner of a credential without locking it, so
// the caller can lock the account row first
func accountForToken(ctx context.Context, tx pgx.Tx, tokenHash string) (string, error) {
	var accountID string
	err := tx.QueryRow(ctx, `SELECT account_id FROM refresh_tokens WHERE token_hash = $1`, tokenHash).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrTokenInvalid
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func insertRefreshToken(ctx context.Context, q database.DBTX, hash, accountID, sessionID, fingerprint string, issuedAt, expiresAt time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, account_id, session_id, device_fingerprint, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), hash, accountID, sessionID, fingerprint, issuedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// enforceQuota evicts the oldest live credentials of an account, ending
// their sessions, until one more fits under limit. The caller must hold the
// account row lock.
func enforceQuota(ctx context.Context, tx pgx.Tx, accountID string, limit int, now time.Time) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT session_id FROM refresh_tokens
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY issued_at ASC, id ASC
	`, accountID, now)
	if err != nil {
		return 0, err
	}
	sessions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}

	evicted := 0
	for i := 0; len(sessions)-i >= limit; i++ {
		if err := endSession(ctx, tx, sessions[i], models.RevokeReasonQuotaEviction, now); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}
