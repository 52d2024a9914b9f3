package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AccountRepository is the credential store
type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const accountColumns = `id, username, COALESCE(password_hash, ''), COALESCE(email, ''), role, status,
	last_login_at, lockout_reset_at, created_at, updated_at`

// scanAccountRow handles nullable fields and populates an Account from a row
func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var a models.Account
	err := scanner.Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.Email, &a.Role, &a.Status,
		&a.LastLoginAt, &a.LockoutResetAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &a, nil
}

func scanAccountRows(rows pgx.Rows) ([]*models.Account, error) {
	defer rows.Close()

	accounts := make([]*models.Account, 0)
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return accounts, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByUsername looks up an account by its normalized username
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, username))
}

func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", database.MapPostgresError(err))
	}
	return scanAccountRows(rows)
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.Role == "" {
		account.Role = models.RoleUser
	}
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO accounts (id, username, password_hash, email, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + accountColumns

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query,
		account.ID, account.Username, nullIfEmpty(account.PasswordHash), nullIfEmpty(account.Email),
		account.Role, account.Status, now,
	))
}

// UpdatePasswordHash stores a re-hashed password after a format migration
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, id, nullIfEmpty(hash))
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *AccountRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE accounts SET last_login_at = $2 WHERE id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, id, at); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// SetStatus changes an account's status. Moving to locked or inactive
// revokes every refresh credential and ends every session in the same
// transaction; moving to active resets the lockout failure count.
func (r *AccountRepository) SetStatus(ctx context.Context, id, status string, now time.Time) (*models.Account, int64, error) {
	if !models.ValidStatus(status) {
		return nil, 0, models.ErrBadRequest
	}

	var (
		updated *models.Account
		revoked int64
	)
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE accounts SET
				status = $2,
				lockout_reset_at = CASE WHEN $2 = 'active' THEN $3 ELSE lockout_reset_at END,
				updated_at = $3
			WHERE id = $1
			RETURNING ` + accountColumns
		a, err := scanAccountRow(tx.QueryRow(ctx, query, id, status, now))
		if err != nil {
			return err
		}
		updated = a

		if status != models.AccountStatusActive {
			n, err := revokeAccount(ctx, tx, id, models.RevokeReasonStatusChange, now)
			if err != nil {
				return err
			}
			revoked = n
		}
		return nil
	})
	if err != nil {
		return nil, 0, database.MapPostgresError(err)
	}
	return updated, revoked, nil
}

// lockAccountRow takes the per-account row lock that serializes lockout
// evaluation, quota enforcement and status changes
func lockAccountRow(ctx context.Context, tx pgx.Tx, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccountRow(tx.QueryRow(ctx, query, id))
}
