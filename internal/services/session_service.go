package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/metrics"
	"github.com/BradenHooton/warden/internal/models"
)

// RefreshTokenRepository defines the transactional refresh credential store
type RefreshTokenRepository interface {
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Issue(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error)
	Rotate(ctx context.Context, req models.RotateRequest) (*models.RotateResult, error)
	RevokeByHash(ctx context.Context, tokenHash, reason string, now time.Time) (*models.RefreshToken, error)
	RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error)
}

// SessionRepository defines the session record operations
type SessionRepository interface {
	Touch(ctx context.Context, id string, now, idleCutoff time.Time) (bool, error)
	End(ctx context.Context, id, reason string, now time.Time) error
}

// AccountReader loads the current state of an account
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// Refresh failure classifications, recorded on the audit trail only
const (
	RefreshFailureMalformed      = "malformed"
	RefreshFailureUnknown        = "unknown_token"
	RefreshFailureReused         = "reused"
	RefreshFailureRevoked        = "revoked"
	RefreshFailureExpired        = "expired"
	RefreshFailureDeviceMismatch = "device_mismatch"
)

// SessionService issues, rotates, validates and revokes sessions. A session
// is one login on one device: a row in sessions, a chain of single-use
// refresh credentials and short-lived access credentials carrying its id.
type SessionService struct {
	refresh  RefreshTokenRepository
	sessions SessionRepository
	accounts AccountReader
	tm       *auth.TokenManager
	metrics  *metrics.AuthMetrics
	policy   config.SecurityPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(refresh RefreshTokenRepository, sessions SessionRepository, accounts AccountReader, tm *auth.TokenManager, m *metrics.AuthMetrics, policy config.SecurityPolicy, logger *slog.Logger) *SessionService {
	return &SessionService{
		refresh:  refresh,
		sessions: sessions,
		accounts: accounts,
		tm:       tm,
		metrics:  m,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// storageError tags unexpected store errors so callers can answer "try again"
func storageError(err error) error {
	if errors.Is(err, models.ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
}

func (s *SessionService) tokenPair(account *models.Account, sessionID, refreshToken string) (*models.TokenPair, error) {
	accessToken, err := s.tm.GenerateAccessToken(account, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tm.AccessTTL() / time.Second),
		SessionID:    sessionID,
	}, nil
}

// Issue starts a new session for account on the device identified by ip
// and userAgent. The oldest live credentials of the account are evicted
// when the per-account quota is full.
func (s *SessionService) Issue(ctx context.Context, account *models.Account, ip, userAgent string) (*models.TokenPair, error) {
	raw, hash, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	result, err := s.refresh.Issue(ctx, models.IssueRequest{
		AccountID:         account.ID,
		TokenHash:         hash,
		DeviceFingerprint: auth.DeviceFingerprint(ip, userAgent),
		ExpiresAt:         now.Add(s.policy.RefreshTokenTTL()),
		MaxPerAccount:     s.policy.MaxRefreshTokensPerAccount,
		Now:               now,
	})
	if err != nil {
		if errors.Is(err, models.ErrAccountLocked) || errors.Is(err, models.ErrAccountInactive) {
			return nil, err
		}
		return nil, storageError(err)
	}
	if result.Evicted > 0 {
		s.logger.InfoContext(ctx, "evicted refresh credentials over quota",
			slog.String("account_id", account.ID),
			slog.Int("evicted", result.Evicted))
		for i := 0; i < result.Evicted; i++ {
			s.metrics.SessionRevoked(models.RevokeReasonQuotaEviction)
		}
	}

	return s.tokenPair(account, result.SessionID, raw)
}

// Rotate exchanges a refresh credential for a new pair. A credential can be
// rotated once, only from the device it was issued to, and only while its
// session is live. Token level failures all return ErrTokenInvalid; a torn
// down session returns ErrSessionExpired or ErrSessionRevoked. The account
// is returned whenever it is known, for auditing.
func (s *SessionService) Rotate(ctx context.Context, rawRefresh, ip, userAgent string) (*models.TokenPair, *models.Account, error) {
	if err := auth.ParseRefreshToken(rawRefresh); err != nil {
		return nil, nil, models.ErrTokenInvalid
	}

	newRaw, newHash, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	result, err := s.refresh.Rotate(ctx, models.RotateRequest{
		OldTokenHash:      auth.HashToken(rawRefresh),
		NewTokenHash:      newHash,
		DeviceFingerprint: auth.DeviceFingerprint(ip, userAgent),
		ExpiresAt:         now.Add(s.policy.RefreshTokenTTL()),
		IdleCutoff:        now.Add(-s.policy.SessionLifetime()),
		MaxPerAccount:     s.policy.MaxRefreshTokensPerAccount,
		Now:               now,
	})

	var account *models.Account
	if result != nil {
		account = result.Account
	}

	switch {
	case err == nil:
	case errors.Is(err, models.ErrTokenInvalid):
		return nil, nil, models.ErrTokenInvalid
	case errors.Is(err, models.ErrSessionExpired):
		s.metrics.SessionRevoked(models.RevokeReasonIdleTimeout)
		return nil, account, models.ErrSessionExpired
	case errors.Is(err, models.ErrSessionRevoked):
		s.metrics.SessionRevoked(models.RevokeReasonStatusChange)
		return nil, account, models.ErrSessionRevoked
	default:
		return nil, account, storageError(err)
	}

	pair, err := s.tokenPair(account, result.SessionID, newRaw)
	if err != nil {
		return nil, account, err
	}
	return pair, account, nil
}

// ClassifyRefreshFailure explains why a refresh credential was rejected.
// It is a read-only lookup done after the rotation transaction and is only
// used for the audit trail.
func (s *SessionService) ClassifyRefreshFailure(ctx context.Context, rawRefresh, ip, userAgent string) (string, *string) {
	if err := auth.ParseRefreshToken(rawRefresh); err != nil {
		return RefreshFailureMalformed, nil
	}

	t, err := s.refresh.FindByHash(ctx, auth.HashToken(rawRefresh))
	if err != nil {
		return RefreshFailureUnknown, nil
	}

	accountID := t.AccountID
	switch {
	case t.RevokedAt != nil && t.RevokedReason != nil && *t.RevokedReason == models.RevokeReasonRotated:
		return RefreshFailureReused, &accountID
	case t.RevokedAt != nil:
		return RefreshFailureRevoked, &accountID
	case !s.now().Before(t.ExpiresAt):
		return RefreshFailureExpired, &accountID
	case t.DeviceFingerprint != auth.DeviceFingerprint(ip, userAgent):
		return RefreshFailureDeviceMismatch, &accountID
	}
	return RefreshFailureUnknown, &accountID
}

// Revoke ends the session of a refresh credential. It is idempotent: an
// unknown, malformed or already revoked credential is not an error.
func (s *SessionService) Revoke(ctx context.Context, rawRefresh, reason string) (*models.RefreshToken, error) {
	if err := auth.ParseRefreshToken(rawRefresh); err != nil {
		return nil, nil
	}

	revoked, err := s.refresh.RevokeByHash(ctx, auth.HashToken(rawRefresh), reason, s.now())
	if err != nil {
		return nil, storageError(err)
	}
	if revoked != nil {
		s.metrics.SessionRevoked(reason)
	}
	return revoked, nil
}

// RevokeAll ends every session of an account
func (s *SessionService) RevokeAll(ctx context.Context, accountID, reason string) (int64, error) {
	n, err := s.refresh.RevokeAllForAccount(ctx, accountID, reason, s.now())
	if err != nil {
		return 0, storageError(err)
	}
	s.metrics.SessionRevoked(reason)
	return n, nil
}

// ValidateAccess verifies an access credential and the state behind it.
// A locked or inactive account has all of its sessions torn down and gets
// ErrSessionRevoked. An ended or idle session gets ErrSessionExpired after
// its refresh credentials are revoked. In both cases the claims that
// identify the torn down session are returned with the error. The returned
// claims carry the account's current role, not the one minted into the
// credential.
func (s *SessionService) ValidateAccess(ctx context.Context, accessToken string) (*models.AccountClaims, error) {
	tc, err := s.tm.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, models.ErrTokenInvalid
	}

	account, err := s.accounts.GetByID(ctx, tc.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenInvalid
		}
		return nil, storageError(err)
	}

	claims := &models.AccountClaims{
		AccountID: account.ID,
		Username:  account.Username,
		Role:      account.Role,
		SessionID: tc.SessionID,
	}

	now := s.now()
	if !account.IsActive() {
		if _, err := s.refresh.RevokeAllForAccount(ctx, account.ID, models.RevokeReasonStatusChange, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to revoke sessions of inactive account",
				slog.String("account_id", account.ID),
				slog.Any("error", err))
		}
		s.metrics.SessionRevoked(models.RevokeReasonStatusChange)
		return claims, models.ErrSessionRevoked
	}

	live, err := s.sessions.Touch(ctx, tc.SessionID, now, now.Add(-s.policy.SessionLifetime()))
	if err != nil {
		return nil, storageError(err)
	}
	if !live {
		if err := s.sessions.End(ctx, tc.SessionID, models.RevokeReasonIdleTimeout, now); err != nil {
			return nil, storageError(err)
		}
		s.metrics.SessionRevoked(models.RevokeReasonIdleTimeout)
		return claims, models.ErrSessionExpired
	}

	return claims, nil
}
