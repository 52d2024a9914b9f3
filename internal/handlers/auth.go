package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, username, password, ipAddress, userAgent string) (*models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken, userAgent, ipAddress string) (*models.TokenPair, error)
	Logout(ctx context.Context, refreshToken, ipAddress, userAgent string)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service    AuthServiceInterface
	ipConfig   *pkghttp.IPConfig
	cookies    auth.CookieConfig
	refreshTTL time.Duration
}

// NewAuthHandler creates a new AuthHandler. refreshTTL is the lifetime of
// the refresh cookie and matches the refresh credential's own lifetime.
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, cookies auth.CookieConfig, refreshTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		service:    service,
		ipConfig:   ipConfig,
		cookies:    cookies,
		refreshTTL: refreshTTL,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	origin := pkghttp.RequestOrigin(r, h.ipConfig)
	pair, err := h.service.Login(r.Context(), req.Username, req.Password, origin.IP, origin.UserAgent)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.writeTokenPair(w, pair)
}

// Refresh handles POST /auth/refresh. The refresh credential travels only in
// the HttpOnly cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken, err := auth.GetRefreshTokenCookie(r)
	if err != nil || refreshToken == "" {
		pkghttp.WriteUnauthorized(w, models.ErrTokenInvalid.Error())
		return
	}

	origin := pkghttp.RequestOrigin(r, h.ipConfig)
	pair, err := h.service.Refresh(r.Context(), refreshToken, origin.UserAgent, origin.IP)
	if err != nil {
		// A dead credential should not linger in the browser. Transient
		// failures keep the cookie so the client can retry.
		if errors.Is(err, models.ErrTokenInvalid) ||
			errors.Is(err, models.ErrSessionExpired) ||
			errors.Is(err, models.ErrSessionRevoked) {
			auth.ClearRefreshTokenCookie(w, h.cookies)
		}
		writeServiceError(w, err)
		return
	}

	h.writeTokenPair(w, pair)
}

// Logout handles POST /auth/logout. It always succeeds for the caller.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if refreshToken, err := auth.GetRefreshTokenCookie(r); err == nil && refreshToken != "" {
		origin := pkghttp.RequestOrigin(r, h.ipConfig)
		h.service.Logout(r.Context(), refreshToken, origin.IP, origin.UserAgent)
	}

	auth.ClearRefreshTokenCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Session handles GET /auth/session and returns the validated claims
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, models.ErrTokenInvalid.Error())
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, claims)
}

func (h *AuthHandler) writeTokenPair(w http.ResponseWriter, pair *models.TokenPair) {
	auth.SetRefreshTokenCookie(w, pair.RefreshToken, h.refreshTTL, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, pair)
}
