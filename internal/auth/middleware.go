package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for storing validated claims in context
	ClaimsContextKey contextKey = "claims"
)

// AccessValidator turns a bearer credential into validated claims. It checks
// the signature as well as the session and account state behind it.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, accessToken string) (*models.AccountClaims, error)
}

// AuthMiddleware validates the bearer credential and injects the claims into
// the request context. Storage failures fail closed with 503.
func AuthMiddleware(validator AccessValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "missing or malformed authorization header")
				return
			}

			claims, err := validator.ValidateAccess(r.Context(), tokenString)
			if err != nil {
				writeAccessError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func writeAccessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrStorageFailure):
		pkghttp.WriteServiceUnavailable(w, models.ErrStorageFailure.Error())
	case errors.Is(err, models.ErrSessionExpired):
		pkghttp.WriteError(w, http.StatusUnauthorized, "session_expired", models.ErrSessionExpired.Error())
	case errors.Is(err, models.ErrSessionRevoked):
		pkghttp.WriteError(w, http.StatusUnauthorized, "session_revoked", models.ErrSessionRevoked.Error())
	default:
		pkghttp.WriteUnauthorized(w, models.ErrTokenInvalid.Error())
	}
}

// RequireRole rejects requests whose claims do not carry role. The role in
// the claims comes from the account row read during validation.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}
			if claims.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClaims returns a copy of ctx carrying claims
func WithClaims(ctx context.Context, claims *models.AccountClaims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

// ClaimsFromContext extracts validated claims, or nil if the request is
// unauthenticated
func ClaimsFromContext(ctx context.Context) *models.AccountClaims {
	claims, ok := ctx.Value(ClaimsContextKey).(*models.AccountClaims)
	if !ok {
		return nil
	}
	return claims
}
