package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BradenHooton/warden/internal/metrics"
	"github.com/BradenHooton/warden/internal/models"
)

const formTokenBytes = 32

var formNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// FormTokenRepository stores one pending token per (session, form)
type FormTokenRepository interface {
	Store(ctx context.Context, sessionID, formName, token string, ttl time.Duration) error
	Consume(ctx context.Context, sessionID, formName, token string) (bool, error)
}

// FormTokenService guards state-changing forms with single-use tokens bound
// to a session and a form name
type FormTokenService struct {
	store   FormTokenRepository
	ttl     time.Duration
	metrics *metrics.AuthMetrics
	logger  *slog.Logger
}

// NewFormTokenService creates a new FormTokenService
func NewFormTokenService(store FormTokenRepository, ttl time.Duration, m *metrics.AuthMetrics, logger *slog.Logger) *FormTokenService {
	return &FormTokenService{
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
	}
}

// ValidFormName reports whether name can identify a guarded form
func ValidFormName(name string) bool {
	return formNamePattern.MatchString(name)
}

// Issue creates a token for the form, replacing any pending one
func (s *FormTokenService) Issue(ctx context.Context, sessionID, formName string) (string, error) {
	if sessionID == "" || !ValidFormName(formName) {
		return "", models.ErrBadRequest
	}

	b := make([]byte, formTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate form token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	if err := s.store.Store(ctx, sessionID, formName, token, s.ttl); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}
	return token, nil
}

// Consume reports whether token is the pending token for the form and
// invalidates it. It returns true at most once per issued token. Store
// errors are logged and reported as false.
func (s *FormTokenService) Consume(ctx context.Context, sessionID, formName, token string) bool {
	if sessionID == "" || token == "" || !ValidFormName(formName) {
		s.metrics.FormTokenChecked(false)
		return false
	}

	ok, err := s.store.Consume(ctx, sessionID, formName, token)
	if err != nil {
		s.logger.ErrorContext(ctx, "form token store unavailable",
			slog.String("form", formName),
			slog.Any("error", err))
		s.metrics.FormTokenChecked(false)
		return false
	}

	s.metrics.FormTokenChecked(ok)
	return ok
}
