package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/warden/internal/database"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// SecurityEventRepository stores the append-only security audit trail
type SecurityEventRepository struct {
	db *database.DB
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

const securityEventColumns = `id, event_type, account_id, username, ip_address, user_agent, details, risk_level, risk_factors, created_at`

func scanSecurityEventRow(row rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent
	err := row.Scan(
		&e.ID, &e.EventType, &e.AccountID, &e.Username, &e.IPAddress, &e.UserAgent,
		&e.Details, &e.RiskLevel, pq.Array(&e.RiskFactors), &e.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

func scanSecurityEventRows(rows pgx.Rows) ([]*models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		e, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}
	return events, nil
}

func (r *SecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.RiskLevel == "" {
		event.RiskLevel = models.RiskLow
	}
	factors := event.RiskFactors
	if factors == nil {
		factors = []string{}
	}

	var details *string
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		s := string(raw)
		details = &s
	}

	query := `
		INSERT INTO security_events (id, event_type, account_id, username, ip_address, user_agent, details, risk_level, risk_factors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		event.ID, event.EventType, event.AccountID, event.Username, event.IPAddress, event.UserAgent,
		details, event.RiskLevel, pq.Array(factors), event.CreatedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// ListByAccount returns the newest events for an account first
func (r *SecurityEventRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error) {
	query := `SELECT ` + securityEventColumns + ` FROM security_events
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanSecurityEventRows(rows)
}

// ListByType returns the newest events of one type first
func (r *SecurityEventRepository) ListByType(ctx context.Context, eventType string, limit, offset int) ([]*models.SecurityEvent, error) {
	query := `SELECT ` + securityEventColumns + ` FROM security_events
		WHERE event_type = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, eventType, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return scanSecurityEventRows(rows)
}

// DeleteOlderThan prunes events outside the retention period
func (r *SecurityEventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
