package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newJSONRequest creates an HTTP request with a JSON body
func newJSONRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withClaims adds validated claims to the request context
func withClaims(req *http.Request, accountID, role string) *http.Request {
	return req.WithContext(auth.WithClaims(req.Context(), &models.AccountClaims{
		AccountID: accountID,
		Username:  accountID + "-name",
		Role:      role,
		SessionID: "sess-" + accountID,
	}))
}

// withURLParams attaches chi route parameters to the request
func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// assertErrorResponse checks status and error code of a JSON error body
func assertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

func refreshCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.RefreshCookieName {
			return c
		}
	}
	return nil
}

// MockAuthService implements handlers.AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc   func(ctx context.Context, username, password, ipAddress, userAgent string) (*models.TokenPair, error)
	RefreshFunc func(ctx context.Context, refreshToken, userAgent, ipAddress string) (*models.TokenPair, error)
	LogoutFunc  func(ctx context.Context, refreshToken, ipAddress, userAgent string)
}

func (m *MockAuthService) Login(ctx context.Context, username, password, ipAddress, userAgent string) (*models.TokenPair, error) {
	return m.LoginFunc(ctx, username, password, ipAddress, userAgent)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken, userAgent, ipAddress string) (*models.TokenPair, error) {
	return m.RefreshFunc(ctx, refreshToken, userAgent, ipAddress)
}

func (m *MockAuthService) Logout(ctx context.Context, refreshToken, ipAddress, userAgent string) {
	if m.LogoutFunc != nil {
		m.LogoutFunc(ctx, refreshToken, ipAddress, userAgent)
	}
}

// MockAccountService implements handlers.AccountServiceInterface for testing
type MockAccountService struct {
	CreateFunc         func(ctx context.Context, actorID, ipAddress string, in services.CreateAccountInput) (*models.Account, error)
	GetFunc            func(ctx context.Context, id string) (*models.Account, error)
	ListFunc           func(ctx context.Context, limit, offset int) ([]*models.Account, error)
	UnlockFunc         func(ctx context.Context, actorID, ipAddress, accountID string) (*models.Account, error)
	SetStatusFunc      func(ctx context.Context, actorID, ipAddress, accountID, status string) (*models.Account, error)
	RevokeSessionsFunc func(ctx context.Context, actorID, ipAddress, accountID string) (int64, error)
	EventsFunc         func(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error)
}

func (m *MockAccountService) Create(ctx context.Context, actorID, ipAddress string, in services.CreateAccountInput) (*models.Account, error) {
	return m.CreateFunc(ctx, actorID, ipAddress, in)
}

func (m *MockAccountService) Get(ctx context.Context, id string) (*models.Account, error) {
	return m.GetFunc(ctx, id)
}

func (m *MockAccountService) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	return m.ListFunc(ctx, limit, offset)
}

func (m *MockAccountService) Unlock(ctx context.Context, actorID, ipAddress, accountID string) (*models.Account, error) {
	return m.UnlockFunc(ctx, actorID, ipAddress, accountID)
}

func (m *MockAccountService) SetStatus(ctx context.Context, actorID, ipAddress, accountID, status string) (*models.Account, error) {
	return m.SetStatusFunc(ctx, actorID, ipAddress, accountID, status)
}

func (m *MockAccountService) RevokeSessions(ctx context.Context, actorID, ipAddress, accountID string) (int64, error) {
	return m.RevokeSessionsFunc(ctx, actorID, ipAddress, accountID)
}

func (m *MockAccountService) Events(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error) {
	return m.EventsFunc(ctx, accountID, limit, offset)
}

// MockFormTokenIssuer implements handlers.FormTokenIssuer for testing
type MockFormTokenIssuer struct {
	IssueFunc func(ctx context.Context, sessionID, formName string) (string, error)
}

func (m *MockFormTokenIssuer) Issue(ctx context.Context, sessionID, formName string) (string, error) {
	return m.IssueFunc(ctx, sessionID, formName)
}

// MockOriginBlockService implements handlers.OriginBlockServiceInterface for testing
type MockOriginBlockService struct {
	LiftOriginBlockFunc func(ctx context.Context, actorID, actorIP, ip string) error
}

func (m *MockOriginBlockService) LiftOriginBlock(ctx context.Context, actorID, actorIP, ip string) error {
	return m.LiftOriginBlockFunc(ctx, actorID, actorIP, ip)
}
