package handlers

import (
	"errors"
	"net/http"

	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// writeServiceError maps a service error onto the HTTP error surface.
// Unknown errors become a generic 500 so internal detail never leaks.
func writeServiceError(w http.ResponseWriter, err error) {
	var rateLimited *models.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		pkghttp.WriteTooManyRequests(w, models.ErrRateLimited.Error(), rateLimited.RetryAfter)
	case errors.Is(err, models.ErrRateLimited):
		pkghttp.WriteTooManyRequests(w, models.ErrRateLimited.Error(), 0)
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", models.ErrInvalidCredentials.Error())
	case errors.Is(err, models.ErrTokenInvalid):
		pkghttp.WriteUnauthorized(w, models.ErrTokenInvalid.Error())
	case errors.Is(err, models.ErrSessionExpired):
		pkghttp.WriteError(w, http.StatusUnauthorized, "session_expired", models.ErrSessionExpired.Error())
	case errors.Is(err, models.ErrSessionRevoked):
		pkghttp.WriteError(w, http.StatusUnauthorized, "session_revoked", models.ErrSessionRevoked.Error())
	case errors.Is(err, models.ErrStorageFailure):
		pkghttp.WriteServiceUnavailable(w, models.ErrStorageFailure.Error())
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, models.ErrNotFound.Error())
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, err.Error())
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, err.Error())
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	default:
		pkghttp.WriteInternalError(w, "internal server error")
	}
}
