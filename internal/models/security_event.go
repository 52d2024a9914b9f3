package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Security event types
const (
	SecurityEventLoginAttempt   = "login_attempt"
	SecurityEventTokenRefresh   = "token_refresh"
	SecurityEventLogout         = "logout"
	SecurityEventAccountLocked  = "account_locked"
	SecurityEventOriginBlocked  = "origin_blocked"
	SecurityEventSessionRevoked = "session_revoked"
	SecurityEventAdminAction    = "admin_action"
)

// Risk levels, ordered from least to most severe
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// MaxRiskLevel returns the more severe of two risk levels
func MaxRiskLevel(a, b string) string {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// SecurityEvent is an immutable audit record. It is never consulted for
// authorization decisions.
type SecurityEvent struct {
	ID          string       `db:"id" json:"id"`
	EventType   string       `db:"event_type" json:"event_type"`
	AccountID   *string      `db:"account_id" json:"account_id,omitempty"`
	Username    string       `db:"username" json:"username,omitempty"`
	IPAddress   string       `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   string       `db:"user_agent" json:"user_agent,omitempty"`
	Details     EventDetails `db:"details" json:"details,omitempty"`
	RiskLevel   string       `db:"risk_level" json:"risk_level"`
	RiskFactors []string     `db:"risk_factors" json:"risk_factors,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// EventDetails holds the free-form payload of a security event
type EventDetails map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (d *EventDetails) Scan(value interface{}) error {
	if value == nil {
		*d = make(EventDetails)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*d = EventDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (d EventDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}(d))
}

// RiskFactor is a single signal contributing to a risk assessment
type RiskFactor struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// RiskAssessment is the result of analyzing an incoming login attempt
type RiskAssessment struct {
	Level       string       `json:"risk_level"`
	Factors     []RiskFactor `json:"risk_factors"`
	ShouldBlock bool         `json:"should_block"`
}

// FactorNames returns the names of all contributing factors
func (r *RiskAssessment) FactorNames() []string {
	names := make([]string, 0, len(r.Factors))
	for _, f := range r.Factors {
		names = append(names, f.Name)
	}
	return names
}

// Add records a factor and raises the overall level if needed.
// The level never decreases.
func (r *RiskAssessment) Add(name, level string) {
	r.Factors = append(r.Factors, RiskFactor{Name: name, Level: level})
	if r.Level == "" {
		r.Level = RiskLow
	}
	r.Level = MaxRiskLevel(r.Level, level)
	r.ShouldBlock = r.Level == RiskCritical
}
