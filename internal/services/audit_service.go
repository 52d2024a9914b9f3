package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/warden/internal/events"
	"github.com/BradenHooton/warden/internal/models"
	pkglogger "github.com/BradenHooton/warden/pkg/logger"
	"github.com/google/uuid"
)

const auditWriteTimeout = 2 * time.Second

// SecurityEventRepository defines the persistence operations of the audit trail
type SecurityEventRepository interface {
	Create(ctx context.Context, event *models.SecurityEvent) error
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error)
}

// AuditService records security events to three sinks: the structured log,
// the security_events table and the event stream. Every write is best effort
// and never fails the operation being audited.
type AuditService struct {
	repo        SecurityEventRepository
	publisher   events.Publisher
	auditLogger *pkglogger.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
}

// NewAuditService creates a new AuditService
func NewAuditService(repo SecurityEventRepository, publisher events.Publisher, auditLogger *pkglogger.AuditLogger, logger *slog.Logger) *AuditService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &AuditService{
		repo:        repo,
		publisher:   publisher,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
	}
}

// Record writes event to every sink. The writes run on a context detached
// from the caller's deadline so that a request that ran out of time is
// still audited.
func (s *AuditService) Record(ctx context.Context, event *models.SecurityEvent, success bool) {
	s.fill(event)
	s.auditLogger.LogSecurityEvent(ctx, toAuditEvent(event, success))
	s.persist(ctx, event)
}

// RecordAdminAction records an administrative change made by actorID. The
// target account is nil for changes that are not about an account.
func (s *AuditService) RecordAdminAction(ctx context.Context, action, actorID string, target *models.Account, ipAddress string, details models.EventDetails) {
	if details == nil {
		details = models.EventDetails{}
	}
	details["action"] = action
	details["actor_id"] = actorID

	event := &models.SecurityEvent{
		EventType: models.SecurityEventAdminAction,
		IPAddress: ipAddress,
		Details:   details,
	}
	targetID := ""
	if target != nil {
		targetID = target.ID
		event.AccountID = &targetID
		event.Username = target.Username
	}
	s.fill(event)
	s.auditLogger.LogAdminAction(ctx, action, actorID, targetID, ipAddress)
	s.persist(ctx, event)
}

func (s *AuditService) fill(event *models.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	if event.RiskLevel == "" {
		event.RiskLevel = models.RiskLow
	}
}

func (s *AuditService) persist(ctx context.Context, event *models.SecurityEvent) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.repo.Create(writeCtx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist security event",
			slog.String("event_type", event.EventType),
			slog.Any("error", err))
	}

	if err := s.publisher.Publish(writeCtx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish security event",
			slog.String("event_type", event.EventType),
			slog.Any("error", err))
	}
}

// RecordFailure records a rejected operation together with its detailed
// internal cause
func (s *AuditService) RecordFailure(ctx context.Context, event *models.SecurityEvent, failure *models.AuthFailure) {
	if event.Details == nil {
		event.Details = models.EventDetails{}
	}
	event.Details["reason"] = string(failure.Kind)
	if failure.Detail != "" {
		event.Details["detail"] = failure.Detail
	}
	if failure.RetryAfter > 0 {
		event.Details["retry_after_seconds"] = int(failure.RetryAfter.Round(time.Second) / time.Second)
	}
	if event.AccountID == nil {
		event.AccountID = failure.AccountID
	}
	s.Record(ctx, event, false)
}

// ListByAccount returns the most recent events of an account
func (s *AuditService) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error) {
	list, err := s.repo.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	return list, nil
}

func toAuditEvent(event *models.SecurityEvent, success bool) pkglogger.AuditEvent {
	ae := pkglogger.AuditEvent{
		EventType:   event.EventType,
		Username:    event.Username,
		IPAddress:   event.IPAddress,
		UserAgent:   event.UserAgent,
		Success:     success,
		RiskLevel:   event.RiskLevel,
		RiskFactors: event.RiskFactors,
	}
	if event.AccountID != nil {
		ae.AccountID = *event.AccountID
	}
	if reason, ok := event.Details["reason"].(string); ok {
		ae.Reason = reason
	}
	return ae
}
