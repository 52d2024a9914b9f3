package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
)

// Admin actions recorded on the audit trail
const (
	AdminActionCreateAccount   = "create_account"
	AdminActionUnlockAccount   = "unlock_account"
	AdminActionSetStatus       = "set_account_status"
	AdminActionRevokeSessions  = "revoke_sessions"
	AdminActionLiftOriginBlock = "lift_origin_block"
)

// AccountRepository defines the credential store operations
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	List(ctx context.Context, limit, offset int) ([]*models.Account, error)
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	SetStatus(ctx context.Context, id, status string, now time.Time) (*models.Account, int64, error)
}

// CreateAccountInput holds the fields of a new account
type CreateAccountInput struct {
	Username string
	Password string
	Email    string
	Role     string
}

// AccountService implements the administrative account operations
type AccountService struct {
	repo     AccountRepository
	sessions *SessionService
	audit    *AuditService
	hasher   *pkgauth.Hasher
	logger   *slog.Logger
	now      func() time.Time
}

// NewAccountService creates a new AccountService
func NewAccountService(repo AccountRepository, sessions *SessionService, audit *AuditService, hasher *pkgauth.Hasher, logger *slog.Logger) *AccountService {
	return &AccountService{
		repo:     repo,
		sessions: sessions,
		audit:    audit,
		hasher:   hasher,
		logger:   logger,
		now:      time.Now,
	}
}

// NormalizeUsername trims and lower-cases a username
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Create adds an account with a freshly hashed password
func (s *AccountService) Create(ctx context.Context, actorID, ipAddress string, in CreateAccountInput) (*models.Account, error) {
	username := NormalizeUsername(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", models.ErrBadRequest)
	}

	role := in.Role
	if role == "" {
		role = models.RoleUser
	}
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrBadRequest, role)
	}

	if err := pkgauth.ValidatePassword(in.Password); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	created, err := s.repo.Create(ctx, &models.Account{
		Username:     username,
		PasswordHash: hash,
		Email:        strings.TrimSpace(in.Email),
		Role:         role,
		Status:       models.AccountStatusActive,
	})
	if err != nil {
		return nil, err
	}

	s.audit.RecordAdminAction(ctx, AdminActionCreateAccount, actorID, created, ipAddress, models.EventDetails{"role": role})
	return created, nil
}

// Get returns one account
func (s *AccountService) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns accounts, newest first
func (s *AccountService) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// Unlock returns a locked account to active. Failed attempts recorded
// before the unlock no longer count toward a new lockout.
func (s *AccountService) Unlock(ctx context.Context, actorID, ipAddress, accountID string) (*models.Account, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != models.AccountStatusLocked {
		return nil, fmt.Errorf("%w: account is not locked", models.ErrConflict)
	}

	updated, _, err := s.repo.SetStatus(ctx, accountID, models.AccountStatusActive, s.now())
	if err != nil {
		return nil, err
	}

	s.audit.RecordAdminAction(ctx, AdminActionUnlockAccount, actorID, updated, ipAddress, nil)
	return updated, nil
}

// SetStatus changes an account's status. Locking or deactivating revokes
// every session of the account. Admins cannot change their own status.
func (s *AccountService) SetStatus(ctx context.Context, actorID, ipAddress, accountID, status string) (*models.Account, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrBadRequest, status)
	}
	if actorID == accountID {
		return nil, fmt.Errorf("%w: cannot change own status", models.ErrForbidden)
	}

	updated, revoked, err := s.repo.SetStatus(ctx, accountID, status, s.now())
	if err != nil {
		return nil, err
	}

	s.audit.RecordAdminAction(ctx, AdminActionSetStatus, actorID, updated, ipAddress, models.EventDetails{
		"status":              status,
		"revoked_credentials": revoked,
	})
	return updated, nil
}

// RevokeSessions signs the account out everywhere
func (s *AccountService) RevokeSessions(ctx context.Context, actorID, ipAddress, accountID string) (int64, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}

	n, err := s.sessions.RevokeAll(ctx, accountID, models.RevokeReasonAdmin)
	if err != nil {
		return 0, err
	}

	s.audit.RecordAdminAction(ctx, AdminActionRevokeSessions, actorID, account, ipAddress, models.EventDetails{
		"revoked_credentials": n,
	})
	return n, nil
}

// Events returns the audit trail of an account
func (s *AccountService) Events(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error) {
	if _, err := s.repo.GetByID(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.audit.ListByAccount(ctx, accountID, limit, offset)
}

// EnsureAdmin creates the bootstrap admin account when it does not exist
func (s *AccountService) EnsureAdmin(ctx context.Context, username, password string) (*models.Account, bool, error) {
	existing, err := s.repo.GetByUsername(ctx, NormalizeUsername(username))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	created, err := s.Create(ctx, "system", "", CreateAccountInput{
		Username: username,
		Password: password,
		Role:     models.RoleAdmin,
	})
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}
