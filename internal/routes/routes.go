package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/handlers"
	"github.com/BradenHooton/warden/internal/middleware"
	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Form names guarding the admin mutations
const (
	FormAddUser        = "add_user_form"
	FormUnlockUser     = "unlock_user_form"
	FormEditUser       = "edit_user_form"
	FormRevokeSessions = "revoke_sessions_form"
	FormUnblockOrigin  = "unblock_origin_form"
)

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds everything the routes are wired to
type Dependencies struct {
	AuthHandler  *handlers.AuthHandler
	FormHandler  *handlers.FormHandler
	AdminHandler *handlers.AdminHandler
	OriginBlocks *handlers.OriginBlockHandler
	Validator    auth.AccessValidator
	FormTokens   middleware.FormTokens
	RateLimit    middleware.RateLimitConfig
	Health       map[string]HealthChecker
	Metrics      http.Handler
	Logger       *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	router.Get("/health", healthHandler(deps.Health))
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics)
	}

	// Credential endpoints carry their own coarse per-address limit
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(deps.RateLimit))
		r.Post("/auth/login", deps.AuthHandler.Login)
		r.Post("/auth/refresh", deps.AuthHandler.Refresh)
	})
	router.Post("/auth/logout", deps.AuthHandler.Logout)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(deps.Validator))

		r.Get("/auth/session", deps.AuthHandler.Session)
		r.Get("/forms/{form}/token", deps.FormHandler.Token)

		// Admin-only routes
		r.Route("/admin/accounts", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))

			r.Get("/", deps.AdminHandler.ListAccounts)
			r.Get("/{id}", deps.AdminHandler.GetAccount)
			r.Get("/{id}/events", deps.AdminHandler.ListEvents)

			r.With(guard(deps, FormAddUser)).Post("/", deps.AdminHandler.CreateAccount)
			r.With(guard(deps, FormUnlockUser)).Post("/{id}/unlock", deps.AdminHandler.UnlockAccount)
			r.With(guard(deps, FormEditUser)).Put("/{id}/status", deps.AdminHandler.SetStatus)
			r.With(guard(deps, FormRevokeSessions)).Post("/{id}/revoke-sessions", deps.AdminHandler.RevokeSessions)
		})

		r.Route("/admin/origin-blocks", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.With(guard(deps, FormUnblockOrigin)).Delete("/{ip}", deps.OriginBlocks.LiftBlock)
		})
	})
}

func guard(deps Dependencies, form string) func(http.Handler) http.Handler {
	return middleware.RequireFormToken(deps.FormTokens, form, deps.Logger)
}

// healthHandler reports every dependency; any failure turns the whole
// response into a 503
func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "healthy"}
		for name, check := range checks {
			if err := check.HealthCheck(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				body[name] = "down"
				continue
			}
			body[name] = "up"
		}

		pkghttp.WriteJSON(w, status, body)
	}
}
