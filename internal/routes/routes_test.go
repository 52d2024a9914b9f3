package routes_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/handlers"
	"github.com/BradenHooton/warden/internal/middleware"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/routes"
	"github.com/BradenHooton/warden/internal/services"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct{}

// Bearer values are "<account>:<role>"
func (stubValidator) ValidateAccess(ctx context.Context, token string) (*models.AccountClaims, error) {
	id, role, ok := strings.Cut(token, ":")
	if !ok {
		return nil, models.ErrTokenInvalid
	}
	return &models.AccountClaims{AccountID: id, Username: id, Role: role, SessionID: "sess-" + id}, nil
}

type stubForms struct {
	pending map[string]string
}

func (f *stubForms) Issue(ctx context.Context, sessionID, formName string) (string, error) {
	token := "tok-" + formName
	f.pending[sessionID+"|"+formName] = token
	return token, nil
}

func (f *stubForms) Consume(ctx context.Context, sessionID, formName, token string) bool {
	key := sessionID + "|" + formName
	if token == "" || f.pending[key] != token {
		return false
	}
	delete(f.pending, key)
	return true
}

type stubAuth struct{}

func (stubAuth) Login(ctx context.Context, username, password, ipAddress, userAgent string) (*models.TokenPair, error) {
	return &models.TokenPair{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", ExpiresIn: 900}, nil
}

func (stubAuth) Refresh(ctx context.Context, refreshToken, userAgent, ipAddress string) (*models.TokenPair, error) {
	return nil, models.ErrTokenInvalid
}

func (stubAuth) Logout(ctx context.Context, refreshToken, ipAddress, userAgent string) {}

type stubAccounts struct {
	unlocked []string
}

func account(id string) *models.Account {
	return &models.Account{ID: id, Username: id, Role: models.RoleUser, Status: models.AccountStatusActive}
}

func (s *stubAccounts) Create(ctx context.Context, actorID, ipAddress string, in services.CreateAccountInput) (*models.Account, error) {
	return account("new"), nil
}

func (s *stubAccounts) Get(ctx context.Context, id string) (*models.Account, error) {
	return account(id), nil
}

func (s *stubAccounts) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	return []*models.Account{account("a")}, nil
}

func (s *stubAccounts) Unlock(ctx context.Context, actorID, ipAddress, accountID string) (*models.Account, error) {
	s.unlocked = append(s.unlocked, accountID)
	return account(accountID), nil
}

func (s *stubAccounts) SetStatus(ctx context.Context, actorID, ipAddress, accountID, status string) (*models.Account, error) {
	return account(accountID), nil
}

func (s *stubAccounts) RevokeSessions(ctx context.Context, actorID, ipAddress, accountID string) (int64, error) {
	return 1, nil
}

func (s *stubAccounts) Events(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error) {
	return nil, nil
}

type stubOriginBlocks struct {
	lifted []string
}

func (s *stubOriginBlocks) LiftOriginBlock(ctx context.Context, actorID, actorIP, ip string) error {
	s.lifted = append(s.lifted, ip)
	return nil
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fixture struct {
	router   chi.Router
	forms    *stubForms
	accounts *stubAccounts
	blocks   *stubOriginBlocks
}

func newFixture(health map[string]routes.HealthChecker) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	forms := &stubForms{pending: map[string]string{}}
	accounts := &stubAccounts{}
	blocks := &stubOriginBlocks{}

	router := chi.NewRouter()
	routes.RegisterRoutes(router, routes.Dependencies{
		AuthHandler:  handlers.NewAuthHandler(stubAuth{}, nil, auth.CookieConfig{}, time.Hour),
		FormHandler:  handlers.NewFormHandler(forms),
		AdminHandler: handlers.NewAdminHandler(accounts, nil),
		OriginBlocks: handlers.NewOriginBlockHandler(blocks, nil),
		Validator:    stubValidator{},
		FormTokens:   forms,
		RateLimit:    middleware.RateLimitConfig{RequestsPerMinute: 2},
		Health:       health,
		Logger:       logger,
	})
	return &fixture{router: router, forms: forms, accounts: accounts, blocks: blocks}
}

func (f *fixture) do(method, path, bearer, formToken string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if formToken != "" {
		req.Header.Set(middleware.FormTokenHeader, formToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAdminRoutes_RequireAuthentication(t *testing.T) {
	f := newFixture(nil)

	w := f.do("GET", "/admin/accounts", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do("GET", "/admin/accounts", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes_RequireAdminRole(t *testing.T) {
	f := newFixture(nil)

	w := f.do("GET", "/admin/accounts", "u1:user", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do("GET", "/admin/accounts", "a1:admin", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminMutation_FormTokenFlow(t *testing.T) {
	f := newFixture(nil)

	// Without a token the mutation is refused and a token is handed out
	w := f.do("POST", "/admin/accounts/acc-7/unlock", "a1:admin", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	var rejected pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rejected))
	assert.Equal(t, "form_token_invalid", rejected.Error)
	assert.Equal(t, "tok-"+routes.FormUnlockUser, rejected.FormToken)
	assert.Empty(t, f.accounts.unlocked)

	w = f.do("POST", "/admin/accounts/acc-7/unlock", "a1:admin", rejected.FormToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"acc-7"}, f.accounts.unlocked)

	// Replaying the consumed token fails
	w = f.do("POST", "/admin/accounts/acc-7/unlock", "a1:admin", rejected.FormToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, f.accounts.unlocked, 1)
}

func TestFormTokenEndpoint_TokenWorksOnlyForItsForm(t *testing.T) {
	f := newFixture(nil)

	w := f.do("GET", "/forms/"+routes.FormRevokeSessions+"/token", "a1:admin", "")
	require.Equal(t, http.StatusOK, w.Code)
	var issued handlers.FormTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))

	w = f.do("POST", "/admin/accounts/acc-7/unlock", "a1:admin", issued.FormToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do("POST", "/admin/accounts/acc-7/revoke-sessions", "a1:admin", issued.FormToken)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLiftOriginBlock_AdminWithFormToken(t *testing.T) {
	f := newFixture(nil)

	w := f.do("DELETE", "/admin/origin-blocks/203.0.113.10", "u1:user", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do("DELETE", "/admin/origin-blocks/203.0.113.10", "a1:admin", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	var rejected pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rejected))
	assert.Equal(t, "tok-"+routes.FormUnblockOrigin, rejected.FormToken)
	assert.Empty(t, f.blocks.lifted)

	w = f.do("DELETE", "/admin/origin-blocks/203.0.113.10", "a1:admin", rejected.FormToken)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"203.0.113.10"}, f.blocks.lifted)
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{"username":"alice","password":"pw"}`))
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLogout_NeedsNoBearer(t *testing.T) {
	f := newFixture(nil)

	w := f.do("POST", "/auth/logout", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHealth(t *testing.T) {
	up := healthFunc(func(context.Context) error { return nil })
	down := healthFunc(func(context.Context) error { return errors.New("connection refused") })

	f := newFixture(map[string]routes.HealthChecker{"database": up, "redis": up})
	w := f.do("GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"up","redis":"up"}`, w.Body.String())

	f = newFixture(map[string]routes.HealthChecker{"database": up, "redis": down})
	w = f.do("GET", "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","database":"up","redis":"down"}`, w.Body.String())
}
