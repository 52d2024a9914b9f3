package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is one security-relevant line on the structured log stream
type AuditEvent struct {
	EventType   string
	AccountID   string
	Username    string
	IPAddress   string
	UserAgent   string
	Success     bool
	Reason      string
	RiskLevel   string
	RiskFactors []string
	Metadata    map[string]string
}

// AuditLogger writes security events to slog. Usernames are masked so the
// log stream does not become an account enumeration source.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
		now:    time.Now,
	}
}

// LogSecurityEvent logs a security event. Failures and elevated risk are
// logged at warn level, everything else at info.
func (al *AuditLogger) LogSecurityEvent(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}

	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.Username != "" {
		attrs = append(attrs, slog.String("username", SanitizedUsername(event.Username)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.RiskLevel != "" {
		attrs = append(attrs, slog.String("risk_level", event.RiskLevel))
	}
	if len(event.RiskFactors) > 0 {
		attrs = append(attrs, slog.Any("risk_factors", event.RiskFactors))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	if !event.Success || event.RiskLevel == "high" || event.RiskLevel == "critical" {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogAdminAction logs an administrative change to an account
func (al *AuditLogger) LogAdminAction(ctx context.Context, action, actorID, targetID, ipAddress string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "admin"),
		slog.String("event_type", action),
		slog.String("actor_id", actorID),
		slog.String("target_id", targetID),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	if ipAddress != "" {
		attrs = append(attrs, slog.String("ip_address", ipAddress))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
