package services

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/metrics"
	"github.com/BradenHooton/warden/internal/models"
)

// Risk factor names
const (
	FactorOriginBlocked        = "origin_blocked"
	FactorOriginFailureBurst   = "origin_failure_burst"
	FactorAccountFailureStreak = "account_failure_streak"
	FactorUsernameSpray        = "username_spray"
	FactorMissingUserAgent     = "missing_user_agent"
	FactorAutomatedUserAgent   = "automated_user_agent"
	FactorNewOrigin            = "new_origin"
)

const (
	burstMediumThreshold  = 3
	streakMediumThreshold = 2
	sprayHighThreshold    = 5
)

var automatedAgents = []string{"curl", "python-requests", "wget", "go-http-client", "bot"}

// RiskRepository defines the read-only ledger queries used for scoring
type RiskRepository interface {
	CountFailuresByIP(ctx context.Context, ipAddress string, since time.Time) (int, error)
	CountFailuresByUsername(ctx context.Context, username string, since time.Time) (int, error)
	CountDistinctUsernamesByIP(ctx context.Context, ipAddress string, since time.Time) (int, error)
	SuccessHistory(ctx context.Context, username, ipAddress string) (hasAny bool, fromIP bool, err error)
}

// OriginBlockRepository defines the temporary origin block-list
type OriginBlockRepository interface {
	Block(ctx context.Context, ip, reason string, d time.Duration) (bool, error)
	Remaining(ctx context.Context, ip string) (time.Duration, error)
	Unblock(ctx context.Context, ip string) (bool, error)
}

// RiskService scores incoming login attempts from the attempt ledger and
// maintains the origin block-list
type RiskService struct {
	ledger  RiskRepository
	blocks  OriginBlockRepository
	audit   *AuditService
	metrics *metrics.AuthMetrics
	policy  config.SecurityPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewRiskService creates a new RiskService
func NewRiskService(ledger RiskRepository, blocks OriginBlockRepository, audit *AuditService, m *metrics.AuthMetrics, policy config.SecurityPolicy, logger *slog.Logger) *RiskService {
	return &RiskService{
		ledger:  ledger,
		blocks:  blocks,
		audit:   audit,
		metrics: m,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// IsOriginBlocked reports whether ip is on the block-list and for how long.
// The block-list is an accelerator in front of the ledger, so a lookup
// error is logged and treated as not blocked; the ledger based burst
// factor still applies.
func (s *RiskService) IsOriginBlocked(ctx context.Context, ip string) (bool, time.Duration) {
	remaining, err := s.blocks.Remaining(ctx, ip)
	if err != nil {
		s.logger.WarnContext(ctx, "origin block-list unavailable", slog.Any("error", err))
		return false, 0
	}
	return remaining > 0, remaining
}

// Analyze scores a login attempt. It only reads state. Each factor carries
// its own level and the overall level is the highest of them.
func (s *RiskService) Analyze(ctx context.Context, username, ip, userAgent string) (*models.RiskAssessment, error) {
	now := s.now()
	originSince := now.Add(-s.policy.OriginWindow())
	assessment := &models.RiskAssessment{Level: models.RiskLow, Factors: []models.RiskFactor{}}

	if blocked, _ := s.IsOriginBlocked(ctx, ip); blocked {
		assessment.Add(FactorOriginBlocked, models.RiskCritical)
	}

	ipFailures, err := s.ledger.CountFailuresByIP(ctx, ip, originSince)
	if err != nil {
		return nil, fmt.Errorf("count origin failures: %w", err)
	}
	if level, ok := s.burstLevel(ipFailures); ok {
		assessment.Add(FactorOriginFailureBurst, level)
	}

	if username != "" {
		userFailures, err := s.ledger.CountFailuresByUsername(ctx, username, now.Add(-s.policy.LockoutWindow()))
		if err != nil {
			return nil, fmt.Errorf("count account failures: %w", err)
		}
		switch {
		case userFailures >= s.policy.AttemptsLimit-1:
			assessment.Add(FactorAccountFailureStreak, models.RiskHigh)
		case userFailures >= streakMediumThreshold:
			assessment.Add(FactorAccountFailureStreak, models.RiskMedium)
		}
	}

	distinct, err := s.ledger.CountDistinctUsernamesByIP(ctx, ip, originSince)
	if err != nil {
		return nil, fmt.Errorf("count usernames by origin: %w", err)
	}
	if distinct >= sprayHighThreshold {
		assessment.Add(FactorUsernameSpray, models.RiskHigh)
	}

	if factor, ok := userAgentFactor(userAgent); ok {
		assessment.Add(factor, models.RiskMedium)
	}

	if username != "" {
		hasAny, fromIP, err := s.ledger.SuccessHistory(ctx, username, ip)
		if err != nil {
			return nil, fmt.Errorf("load success history: %w", err)
		}
		if hasAny && !fromIP {
			assessment.Add(FactorNewOrigin, models.RiskLow)
		}
	}

	return assessment, nil
}

func (s *RiskService) burstLevel(failures int) (string, bool) {
	threshold := s.policy.OriginBlockThreshold
	switch {
	case failures >= threshold:
		return models.RiskCritical, true
	case threshold/2 > 0 && failures >= threshold/2:
		return models.RiskHigh, true
	case failures >= burstMediumThreshold:
		return models.RiskMedium, true
	}
	return "", false
}

func userAgentFactor(userAgent string) (string, bool) {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return FactorMissingUserAgent, true
	}
	for _, marker := range automatedAgents {
		if strings.Contains(ua, marker) {
			return FactorAutomatedUserAgent, true
		}
	}
	return "", false
}

// RecordOriginFailure is called after a failed login. When the origin has
// reached the block threshold inside the origin window it is added to the
// block-list; an origin that is already blocked keeps its release time.
func (s *RiskService) RecordOriginFailure(ctx context.Context, ip, userAgent string) error {
	failures, err := s.ledger.CountFailuresByIP(ctx, ip, s.now().Add(-s.policy.OriginWindow()))
	if err != nil {
		return fmt.Errorf("count origin failures: %w", err)
	}
	if failures < s.policy.OriginBlockThreshold {
		return nil
	}

	created, err := s.blocks.Block(ctx, ip, FactorOriginFailureBurst, s.policy.OriginBlockDuration())
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	s.metrics.OriginBlocked()
	s.audit.Record(ctx, &models.SecurityEvent{
		EventType:   models.SecurityEventOriginBlocked,
		IPAddress:   ip,
		UserAgent:   userAgent,
		RiskLevel:   models.RiskCritical,
		RiskFactors: []string{FactorOriginFailureBurst},
		Details: models.EventDetails{
			"failed_count":           failures,
			"block_duration_seconds": int(s.policy.OriginBlockDuration() / time.Second),
		},
	}, true)
	return nil
}

// LiftOriginBlock removes ip from the block-list ahead of its release time.
// The ledger is untouched, so the origin burst factor still scores the
// failures that caused the block.
func (s *RiskService) LiftOriginBlock(ctx context.Context, actorID, actorIP, ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: invalid origin address", models.ErrBadRequest)
	}

	removed, err := s.blocks.Unblock(ctx, ip)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}
	if !removed {
		return models.ErrNotFound
	}

	s.audit.RecordAdminAction(ctx, AdminActionLiftOriginBlock, actorID, nil, actorIP, models.EventDetails{
		"origin": ip,
	})
	return nil
}
