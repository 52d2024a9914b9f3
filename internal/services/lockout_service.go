package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/metrics"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/repositories"
)

// LockoutRepository defines the attempt ledger operations lockout needs
type LockoutRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	RecordFailureAndEvaluate(ctx context.Context, attempt *models.LoginAttempt, policy repositories.LockoutPolicy) (models.LockoutDecision, error)
}

// LockoutService decides whether an account may attempt a login and locks
// accounts that exceed the failed attempt limit inside the lockout window
type LockoutService struct {
	ledger   LockoutRepository
	audit    *AuditService
	notifier Notifier
	metrics  *metrics.AuthMetrics
	policy   config.SecurityPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(ledger LockoutRepository, audit *AuditService, notifier Notifier, m *metrics.AuthMetrics, policy config.SecurityPolicy, logger *slog.Logger) *LockoutService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &LockoutService{
		ledger:   ledger,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckStatus is the lockout pre-check: only active accounts may attempt
// a password login
func (s *LockoutService) CheckStatus(account *models.Account) error {
	switch account.Status {
	case models.AccountStatusActive:
		return nil
	case models.AccountStatusLocked:
		return models.ErrAccountLocked
	default:
		return models.ErrAccountInactive
	}
}

// RecordAttempt appends an attempt that does not take part in lockout
// evaluation: successes and rejections that happened before the password
// was checked
func (s *LockoutService) RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	if err := s.ledger.RecordAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// RecordFailure appends a failed password check for account and
// re-evaluates the lockout. The transition to locked is reported once,
// together with its side effects: audit event, owner notification and
// metric. Storage errors are returned so the caller can fail closed.
func (s *LockoutService) RecordFailure(ctx context.Context, account *models.Account, attempt *models.LoginAttempt) (models.LockoutDecision, error) {
	now := s.now()
	decision, err := s.ledger.RecordFailureAndEvaluate(ctx, attempt, repositories.LockoutPolicy{
		AttemptsLimit: s.policy.AttemptsLimit,
		WindowStart:   now.Add(-s.policy.LockoutWindow()),
		Now:           now,
	})
	if err != nil {
		return models.LockoutDecision{}, fmt.Errorf("evaluate lockout: %w", err)
	}

	if decision.JustLocked {
		s.onLocked(ctx, account, attempt, decision, now)
	}
	return decision, nil
}

func (s *LockoutService) onLocked(ctx context.Context, account *models.Account, attempt *models.LoginAttempt, decision models.LockoutDecision, now time.Time) {
	s.logger.WarnContext(ctx, "account locked after failed logins",
		slog.String("account_id", account.ID),
		slog.Int("failed_count", decision.FailedCount))

	s.metrics.AccountLocked()
	s.metrics.SessionRevoked(models.RevokeReasonStatusChange)

	accountID := account.ID
	s.audit.Record(ctx, &models.SecurityEvent{
		EventType:   models.SecurityEventAccountLocked,
		AccountID:   &accountID,
		Username:    account.Username,
		IPAddress:   attempt.IPAddress,
		UserAgent:   attempt.UserAgent,
		RiskLevel:   models.RiskHigh,
		RiskFactors: []string{"account_failure_streak"},
		Details: models.EventDetails{
			"failed_count":   decision.FailedCount,
			"attempts_limit": s.policy.AttemptsLimit,
		},
	}, true)

	if err := s.notifier.NotifyAccountLocked(ctx, account, now); err != nil {
		s.logger.WarnContext(ctx, "lock notification failed",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}
}
