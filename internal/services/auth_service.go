package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/metrics"
	"github.com/BradenHooton/warden/internal/models"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
)

// dummyPassword is hashed once at startup. Unknown usernames are verified
// against its hash so they cost as much as a wrong password.
const dummyPassword = "warden-timing-equalization"

// AuthServiceConfig groups the collaborators of AuthService
type AuthServiceConfig struct {
	Accounts     AccountRepository
	Lockout      *LockoutService
	Risk         *RiskService
	Sessions     *SessionService
	Audit        *AuditService
	Hasher       *pkgauth.Hasher
	Timing       *auth.TimingDelay
	Metrics      *metrics.AuthMetrics
	Logger       *slog.Logger
	QueryTimeout time.Duration
	// OriginBlockDuration is the retry hint for attempts blocked on risk
	OriginBlockDuration time.Duration
}

// AuthService orchestrates login, refresh, logout and access validation.
// Callers see only generic errors; the detailed cause of every rejection
// is recorded once on the audit trail.
type AuthService struct {
	accounts      AccountRepository
	lockout       *LockoutService
	risk          *RiskService
	sessions      *SessionService
	audit         *AuditService
	hasher        *pkgauth.Hasher
	timing        *auth.TimingDelay
	metrics       *metrics.AuthMetrics
	logger        *slog.Logger
	queryTimeout  time.Duration
	blockDuration time.Duration
	dummyHash     string
	now           func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(cfg AuthServiceConfig) (*AuthService, error) {
	dummyHash, err := cfg.Hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	timing := cfg.Timing
	if timing == nil {
		timing = auth.NewTimingDelay(auth.TimingConfig{})
	}

	return &AuthService{
		accounts:      cfg.Accounts,
		lockout:       cfg.Lockout,
		risk:          cfg.Risk,
		sessions:      cfg.Sessions,
		audit:         cfg.Audit,
		hasher:        cfg.Hasher,
		timing:        timing,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		queryTimeout:  cfg.QueryTimeout,
		blockDuration: cfg.OriginBlockDuration,
		dummyHash:     dummyHash,
		now:           time.Now,
	}, nil
}

func (s *AuthService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// loginAttempt carries the state of one login through its stages
type loginAttempt struct {
	start      time.Time
	record     *models.LoginAttempt
	assessment *models.RiskAssessment
	account    *models.Account
}

func (a *loginAttempt) accountID() *string {
	if a.account == nil {
		return nil
	}
	id := a.account.ID
	return &id
}

func (a *loginAttempt) event() *models.SecurityEvent {
	event := &models.SecurityEvent{
		EventType: models.SecurityEventLoginAttempt,
		AccountID: a.accountID(),
		Username:  a.record.Username,
		IPAddress: a.record.IPAddress,
		UserAgent: a.record.UserAgent,
		Details:   models.EventDetails{},
	}
	if a.assessment != nil {
		event.RiskLevel = a.assessment.Level
		event.RiskFactors = a.assessment.FactorNames()
	}
	return event
}

// Login verifies a username and password and starts a session.
// Unknown user, wrong password, disabled password, locked and inactive
// accounts all return ErrInvalidCredentials. Blocked origins and critical
// risk return a *models.RateLimitError. Storage failures fail closed with
// ErrStorageFailure.
func (s *AuthService) Login(ctx context.Context, username, password, ipAddress, userAgent string) (*models.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	username = NormalizeUsername(username)
	la := &loginAttempt{
		start: s.now(),
		record: &models.LoginAttempt{
			Username:          username,
			IPAddress:         ipAddress,
			UserAgent:         userAgent,
			DeviceFingerprint: auth.DeviceFingerprint(ipAddress, userAgent),
			AttemptedAt:       s.now(),
		},
	}

	if username == "" || password == "" {
		return nil, s.rejectLogin(ctx, la, &models.AuthFailure{
			Kind:   models.FailureInvalidCredentials,
			Detail: "empty username or password",
		}, "")
	}

	// Risk pre-check
	if blocked, retryAfter := s.risk.IsOriginBlocked(ctx, ipAddress); blocked {
		return nil, s.rejectLogin(ctx, la, &models.AuthFailure{
			Kind:       models.FailureRateLimited,
			Detail:     "origin blocked",
			RetryAfter: retryAfter,
		}, models.FailureReasonOriginBlocked)
	}

	assessment, err := s.risk.Analyze(ctx, username, ipAddress, userAgent)
	if err != nil {
		return nil, s.storageFailure(ctx, la, "risk analysis", err)
	}
	la.assessment = assessment
	if assessment.ShouldBlock {
		return nil, s.rejectLogin(ctx, la, &models.AuthFailure{
			Kind:       models.FailureRateLimited,
			Detail:     "critical risk",
			RetryAfter: s.blockDuration,
		}, models.FailureReasonRiskBlocked)
	}

	// Credential lookup
	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, s.storageFailure(ctx, la, "account lookup", err)
		}
		_, _ = s.hasher.Verify(password, s.dummyHash)
		return nil, s.rejectCredentials(ctx, la, &models.AuthFailure{
			Kind:   models.FailureInvalidCredentials,
			Detail: models.FailureReasonUnknownUser,
		}, models.FailureReasonUnknownUser)
	}
	la.account = account
	la.record.AccountID = la.accountID()

	// Lockout pre-check
	if err := s.lockout.CheckStatus(account); err != nil {
		_, _ = s.hasher.Verify(password, s.dummyHash)
		kind, reason := models.FailureAccountInactive, models.FailureReasonAccountInactive
		if errors.Is(err, models.ErrAccountLocked) {
			kind, reason = models.FailureAccountLocked, models.FailureReasonAccountLocked
		}
		return nil, s.rejectLogin(ctx, la, &models.AuthFailure{
			Kind:      kind,
			AccountID: la.accountID(),
			Detail:    "account status " + account.Status,
		}, reason)
	}

	// Password verification
	needsRehash, err := s.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return nil, s.rejectPassword(ctx, la, err)
	}

	return s.completeLogin(ctx, la, password, needsRehash)
}

// rejectPassword handles a failed password check: the failure goes to the
// ledger under the account lock and may lock the account
func (s *AuthService) rejectPassword(ctx context.Context, la *loginAttempt, verifyErr error) error {
	reason := models.FailureReasonInvalidPassword
	switch {
	case errors.Is(verifyErr, pkgauth.ErrPasswordDisabled):
		reason = models.FailureReasonPasswordDisabled
	case errors.Is(verifyErr, pkgauth.ErrMismatch):
	default:
		s.logger.ErrorContext(ctx, "stored password hash unusable",
			slog.String("account_id", la.account.ID),
			slog.String("format", pkgauth.DetectHashFormat(la.account.PasswordHash).String()),
			slog.Any("error", verifyErr))
	}

	la.record.FailureReason = &reason
	decision, err := s.lockout.RecordFailure(ctx, la.account, la.record)
	if err != nil {
		return s.storageFailure(ctx, la, "lockout evaluation", err)
	}

	s.recordOriginFailure(ctx, la)

	failure := &models.AuthFailure{
		Kind:      models.FailureInvalidCredentials,
		AccountID: la.accountID(),
		Detail:    fmt.Sprintf("%s, %d attempts remaining", reason, decision.Remaining),
	}
	if decision.Locked {
		failure.Kind = models.FailureAccountLocked
		failure.Detail = fmt.Sprintf("%s, account locked after %d failures", reason, decision.FailedCount)
	}
	return s.finishRejection(ctx, la, failure)
}

// rejectCredentials records a non-counting failure and feeds the origin
// block-list
func (s *AuthService) rejectCredentials(ctx context.Context, la *loginAttempt, failure *models.AuthFailure, reason string) error {
	la.record.FailureReason = &reason
	if err := s.lockout.RecordAttempt(ctx, la.record); err != nil {
		return s.storageFailure(ctx, la, "record attempt", err)
	}
	s.recordOriginFailure(ctx, la)
	return s.finishRejection(ctx, la, failure)
}

// rejectLogin records a failure that happened before credentials were
// checked. An empty reason skips the ledger.
func (s *AuthService) rejectLogin(ctx context.Context, la *loginAttempt, failure *models.AuthFailure, reason string) error {
	if reason != "" {
		la.record.FailureReason = &reason
		if err := s.lockout.RecordAttempt(ctx, la.record); err != nil {
			s.logger.ErrorContext(ctx, "failed to record rejected login", slog.Any("error", err))
		}
	}
	return s.finishRejection(ctx, la, failure)
}

func (s *AuthService) recordOriginFailure(ctx context.Context, la *loginAttempt) {
	if err := s.risk.RecordOriginFailure(ctx, la.record.IPAddress, la.record.UserAgent); err != nil {
		s.logger.WarnContext(ctx, "failed to update origin block-list", slog.Any("error", err))
	}
}

func (s *AuthService) storageFailure(ctx context.Context, la *loginAttempt, stage string, err error) error {
	s.logger.ErrorContext(ctx, "login failed closed on storage error",
		slog.String("stage", stage),
		slog.Any("error", err))
	return s.finishRejection(ctx, la, &models.AuthFailure{
		Kind:      models.FailureStorage,
		AccountID: la.accountID(),
		Detail:    stage,
	})
}

func (s *AuthService) finishRejection(ctx context.Context, la *loginAttempt, failure *models.AuthFailure) error {
	s.audit.RecordFailure(ctx, la.event(), failure)
	s.metrics.LoginOutcome(string(failure.Kind))
	s.timing.WaitFrom(ctx, la.start, false)
	return failure.Public()
}

func (s *AuthService) completeLogin(ctx context.Context, la *loginAttempt, password string, needsRehash bool) (*models.TokenPair, error) {
	la.record.Success = true
	if err := s.lockout.RecordAttempt(ctx, la.record); err != nil {
		return nil, s.storageFailure(ctx, la, "record success", err)
	}

	pair, err := s.sessions.Issue(ctx, la.account, la.record.IPAddress, la.record.UserAgent)
	if err != nil {
		if errors.Is(err, models.ErrAccountLocked) || errors.Is(err, models.ErrAccountInactive) {
			return nil, s.finishRejection(ctx, la, &models.AuthFailure{
				Kind:      models.FailureAccountLocked,
				AccountID: la.accountID(),
				Detail:    "account status changed during login",
			})
		}
		return nil, s.storageFailure(ctx, la, "issue session", err)
	}

	if err := s.accounts.RecordLogin(ctx, la.account.ID, la.record.AttemptedAt); err != nil {
		s.logger.WarnContext(ctx, "failed to record last login", slog.Any("error", err))
	}

	if needsRehash {
		s.migrateHash(ctx, la.account, password)
	}

	event := la.event()
	event.Details["session_id"] = pair.SessionID
	s.audit.Record(ctx, event, true)
	s.metrics.LoginOutcome("success")
	s.timing.WaitFrom(ctx, la.start, true)

	return pair, nil
}

// migrateHash replaces a legacy or weak hash after a successful login.
// Failure leaves the old hash in place; it still verifies.
func (s *AuthService) migrateHash(ctx context.Context, account *models.Account, password string) {
	from := pkgauth.DetectHashFormat(account.PasswordHash)
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.accounts.UpdatePasswordHash(ctx, account.ID, hash)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "password hash migration failed",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return
	}
	s.logger.InfoContext(ctx, "password hash migrated",
		slog.String("account_id", account.ID),
		slog.String("from", from.String()))
}

// Refresh rotates a refresh credential into a new token pair
func (s *AuthService) Refresh(ctx context.Context, refreshToken, userAgent, ipAddress string) (*models.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pair, account, err := s.sessions.Rotate(ctx, refreshToken, ipAddress, userAgent)
	event := &models.SecurityEvent{
		EventType: models.SecurityEventTokenRefresh,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Details:   models.EventDetails{},
	}
	if account != nil {
		id := account.ID
		event.AccountID = &id
		event.Username = account.Username
	}

	if err != nil {
		failure := &models.AuthFailure{Kind: models.FailureStorage, AccountID: event.AccountID}
		switch {
		case errors.Is(err, models.ErrTokenInvalid):
			failure.Kind = models.FailureTokenInvalid
			failure.Detail, failure.AccountID = s.sessions.ClassifyRefreshFailure(ctx, refreshToken, ipAddress, userAgent)
		case errors.Is(err, models.ErrSessionExpired):
			failure.Kind = models.FailureSessionExpired
			failure.Detail = "session idle timeout"
		case errors.Is(err, models.ErrSessionRevoked):
			failure.Kind = models.FailureSessionRevoked
			failure.Detail = "account no longer active"
		default:
			s.logger.ErrorContext(ctx, "refresh failed closed on storage error", slog.Any("error", err))
			failure.Detail = "rotate"
		}
		s.audit.RecordFailure(ctx, event, failure)
		s.metrics.RefreshOutcome(string(failure.Kind))
		return nil, failure.Public()
	}

	event.Details["session_id"] = pair.SessionID
	s.audit.Record(ctx, event, true)
	s.metrics.RefreshOutcome("rotated")
	return pair, nil
}

// Logout ends the session of a refresh credential. It never fails for the
// caller; errors are logged.
func (s *AuthService) Logout(ctx context.Context, refreshToken, ipAddress, userAgent string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	revoked, err := s.sessions.Revoke(ctx, refreshToken, models.RevokeReasonLogout)
	if err != nil {
		s.logger.ErrorContext(ctx, "logout revocation failed", slog.Any("error", err))
		return
	}
	if revoked == nil {
		return
	}

	accountID := revoked.AccountID
	s.audit.Record(ctx, &models.SecurityEvent{
		EventType: models.SecurityEventLogout,
		AccountID: &accountID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Details:   models.EventDetails{"session_id": revoked.SessionID},
	}, true)
}

// ValidateAccess validates an access credential for a request. Torn down
// sessions are recorded on the audit trail; only fully valid claims are
// returned to the caller.
func (s *AuthService) ValidateAccess(ctx context.Context, accessToken string) (*models.AccountClaims, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	claims, err := s.sessions.ValidateAccess(ctx, accessToken)
	if err == nil {
		return claims, nil
	}

	switch {
	case errors.Is(err, models.ErrSessionExpired), errors.Is(err, models.ErrSessionRevoked):
		kind, detail := models.FailureSessionExpired, "session idle timeout"
		if errors.Is(err, models.ErrSessionRevoked) {
			kind, detail = models.FailureSessionRevoked, "account no longer active"
		}
		event := &models.SecurityEvent{EventType: models.SecurityEventSessionRevoked}
		if claims != nil {
			accountID := claims.AccountID
			event.AccountID = &accountID
			event.Username = claims.Username
			event.Details = models.EventDetails{"session_id": claims.SessionID}
		}
		s.audit.RecordFailure(ctx, event, &models.AuthFailure{Kind: kind, Detail: detail})
	case errors.Is(err, models.ErrStorageFailure):
		s.logger.ErrorContext(ctx, "access validation failed closed on storage error", slog.Any("error", err))
	}
	return nil, err
}
