package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizedUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"bob", "***"},
		{"alice", "a***e"},
		{"jürgen", "j****n"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizedUsername(tt.in))
		})
	}
}

func TestSanitizedEmail(t *testing.T) {
	assert.Equal(t, "a****@*******.com", SanitizedEmail("alice@example.com"))
	assert.Equal(t, "[invalid-email]", SanitizedEmail("not-an-email"))
	assert.Equal(t, "[invalid-email]", SanitizedEmail("a@b@c"))
}

func TestRedactedAttr(t *testing.T) {
	assert.Equal(t, "[REDACTED]", RedactedAttr("k", "v", "production").Value.String())
	assert.Equal(t, "v", RedactedAttr("k", "v", "development").Value.String())
}

func TestSanitizeQueryString(t *testing.T) {
	assert.True(t, SanitizeQueryString("refresh_token=abc"))
	assert.True(t, SanitizeQueryString("Password=x"))
	assert.False(t, SanitizeQueryString("page=2&sort=asc"))
}

func TestAuditLogger_LogSecurityEvent(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	al.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	al.LogSecurityEvent(context.Background(), AuditEvent{
		EventType:   "login_attempt",
		Username:    "alice",
		IPAddress:   "203.0.113.10",
		Success:     false,
		Reason:      "invalid_password",
		RiskLevel:   "medium",
		RiskFactors: []string{"account_failure_streak"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "a***e", line["username"])
	assert.Equal(t, "invalid_password", line["reason"])
	assert.Equal(t, "2026-01-02T03:04:05Z", line["timestamp"])
	assert.NotContains(t, buf.String(), "alice")
}

func TestAuditLogger_SuccessIsInfo(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogSecurityEvent(context.Background(), AuditEvent{EventType: "logout", Success: true, RiskLevel: "low"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "INFO", line["level"])
}
