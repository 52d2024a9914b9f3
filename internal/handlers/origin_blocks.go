package handlers

import (
	"context"
	"net/http"

	"github.com/BradenHooton/warden/internal/auth"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
)

// OriginBlockServiceInterface defines the admin block-list operations
type OriginBlockServiceInterface interface {
	LiftOriginBlock(ctx context.Context, actorID, actorIP, ip string) error
}

// OriginBlockHandler handles the admin origin block-list HTTP requests
type OriginBlockHandler struct {
	service  OriginBlockServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewOriginBlockHandler creates a new OriginBlockHandler
func NewOriginBlockHandler(service OriginBlockServiceInterface, ipConfig *pkghttp.IPConfig) *OriginBlockHandler {
	return &OriginBlockHandler{service: service, ipConfig: ipConfig}
}

// LiftBlock handles DELETE /admin/origin-blocks/{ip}
func (h *OriginBlockHandler) LiftBlock(w http.ResponseWriter, r *http.Request) {
	actorID := ""
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		actorID = claims.AccountID
	}

	err := h.service.LiftOriginBlock(r.Context(), actorID, pkghttp.ExtractClientIP(r, h.ipConfig), chi.URLParam(r, "ip"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
