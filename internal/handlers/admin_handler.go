package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AccountServiceInterface defines the admin account operations
type AccountServiceInterface interface {
	Create(ctx context.Context, actorID, ipAddress string, in services.CreateAccountInput) (*models.Account, error)
	Get(ctx context.Context, id string) (*models.Account, error)
	List(ctx context.Context, limit, offset int) ([]*models.Account, error)
	Unlock(ctx context.Context, actorID, ipAddress, accountID string) (*models.Account, error)
	SetStatus(ctx context.Context, actorID, ipAddress, accountID, status string) (*models.Account, error)
	RevokeSessions(ctx context.Context, actorID, ipAddress, accountID string) (int64, error)
	Events(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error)
}

// AdminHandler handles the admin account HTTP requests
type AdminHandler struct {
	service  AccountServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service AccountServiceInterface, ipConfig *pkghttp.IPConfig) *AdminHandler {
	return &AdminHandler{service: service, ipConfig: ipConfig}
}

// CreateAccountRequest represents the request body for account creation
type CreateAccountRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     string `json:"role" validate:"omitempty,oneof=user admin"`
}

// SetStatusRequest represents the request body for a status change
type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive locked"`
}

// AccountResponse is the public view of an account
type AccountResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RevokeSessionsResponse reports how many refresh credentials were revoked
type RevokeSessionsResponse struct {
	Revoked int64 `json:"revoked"`
}

func toAccountResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:          a.ID,
		Username:    a.Username,
		Email:       a.Email,
		Role:        a.Role,
		Status:      a.Status,
		LastLoginAt: a.LastLoginAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// actor returns the admin's account id and client address
func (h *AdminHandler) actor(r *http.Request) (string, string) {
	claims := auth.ClaimsFromContext(r.Context())
	ip := pkghttp.ExtractClientIP(r, h.ipConfig)
	if claims == nil {
		return "", ip
	}
	return claims.AccountID, ip
}

// pagination parses ?limit and ?offset; the service clamps the values
func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

// CreateAccount handles POST /admin/accounts
func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	actorID, ip := h.actor(r)
	account, err := h.service.Create(r.Context(), actorID, ip, services.CreateAccountInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
		Role:     req.Role,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, toAccountResponse(account))
}

// ListAccounts handles GET /admin/accounts
func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	accounts, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /admin/accounts/{id}
func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

// UnlockAccount handles POST /admin/accounts/{id}/unlock
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	actorID, ip := h.actor(r)
	account, err := h.service.Unlock(r.Context(), actorID, ip, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

// SetStatus handles PUT /admin/accounts/{id}/status
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	actorID, ip := h.actor(r)
	account, err := h.service.SetStatus(r.Context(), actorID, ip, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

// RevokeSessions handles POST /admin/accounts/{id}/revoke-sessions
func (h *AdminHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	actorID, ip := h.actor(r)
	n, err := h.service.RevokeSessions(r.Context(), actorID, ip, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, RevokeSessionsResponse{Revoked: n})
}

// ListEvents handles GET /admin/accounts/{id}/events
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, events)
}
