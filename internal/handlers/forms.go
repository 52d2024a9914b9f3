package handlers

import (
	"context"
	"net/http"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
)

// FormTokenIssuer issues one-time form tokens
type FormTokenIssuer interface {
	Issue(ctx context.Context, sessionID, formName string) (string, error)
}

// FormHandler hands out form tokens for the guarded admin forms
type FormHandler struct {
	forms FormTokenIssuer
}

// NewFormHandler creates a new FormHandler
func NewFormHandler(forms FormTokenIssuer) *FormHandler {
	return &FormHandler{forms: forms}
}

// FormTokenResponse is the body of GET /forms/{form}/token
type FormTokenResponse struct {
	Form      string `json:"form"`
	FormToken string `json:"form_token"`
}

// Token handles GET /forms/{form}/token
func (h *FormHandler) Token(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, models.ErrTokenInvalid.Error())
		return
	}

	form := chi.URLParam(r, "form")
	token, err := h.forms.Issue(r.Context(), claims.SessionID, form)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, FormTokenResponse{Form: form, FormToken: token})
}
