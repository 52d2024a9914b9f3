package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
)

// FormTokenHeader carries the one-time token of a guarded form
const FormTokenHeader = "X-Form-Token"

// FormTokens issues and consumes one-time form tokens
type FormTokens interface {
	Issue(ctx context.Context, sessionID, formName string) (string, error)
	Consume(ctx context.Context, sessionID, formName, token string) bool
}

// RequireFormToken guards a state-changing route with the one-time token
// of formName. It must run after auth.AuthMiddleware: the token is bound to
// the caller's session. A rejected submission gets 403 form_token_invalid
// with a freshly issued replacement token so the client can resubmit.
func RequireFormToken(forms FormTokens, formName string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.ClaimsFromContext(r.Context())
			if claims == nil {
				pkghttp.WriteUnauthorized(w, models.ErrTokenInvalid.Error())
				return
			}

			token := r.Header.Get(FormTokenHeader)
			if forms.Consume(r.Context(), claims.SessionID, formName, token) {
				next.ServeHTTP(w, r)
				return
			}

			logger.WarnContext(r.Context(), "form token rejected",
				slog.String("form", formName),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("account_id", claims.AccountID),
				slog.Bool("missing", token == ""))

			resp := pkghttp.ErrorResponse{
				Error:   "form_token_invalid",
				Message: models.ErrFormTokenInvalid.Error(),
			}
			if replacement, err := forms.Issue(r.Context(), claims.SessionID, formName); err == nil {
				resp.FormToken = replacement
			} else {
				logger.ErrorContext(r.Context(), "failed to issue replacement form token", slog.Any("error", err))
			}
			pkghttp.WriteErrorResponse(w, http.StatusForbidden, resp)
		})
	}
}
