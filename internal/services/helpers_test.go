package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/config"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/repositories"
	pkgauth "github.com/BradenHooton/warden/pkg/auth"
	pkglogger "github.com/BradenHooton/warden/pkg/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testSecret    = "test-secret-32-characters-long!!"
	testIP        = "203.0.113.10"
	testUserAgent = "Mozilla/5.0 (X11; Linux x86_64)"
)

var testHasherParams = pkgauth.Argon2Params{
	Memory:      8 * 1024,
	Time:        1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testClock is a settable clock shared by every service in a harness
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryStore is an in-memory stand-in for the Postgres repositories. It
// follows the same rules as the SQL: per-store serialization plays the role
// of the account row lock. Errors can be injected per method name.
type memoryStore struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]*models.Account
	attempts []*models.LoginAttempt
	tokens   map[string]*models.RefreshToken
	sessions map[string]*models.Session
	errs     map[string]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: make(map[string]*models.Account),
		tokens:   make(map[string]*models.RefreshToken),
		sessions: make(map[string]*models.Session),
		errs:     make(map[string]error),
	}
}

func (m *memoryStore) failOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

func (m *memoryStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%06d", prefix, m.seq)
}

func copyAccount(a *models.Account) *models.Account {
	c := *a
	return &c
}

// --- AccountRepository ---

func (m *memoryStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["GetByID"]; err != nil {
		return nil, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyAccount(a), nil
}

func (m *memoryStore) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["GetByUsername"]; err != nil {
		return nil, err
	}
	for _, a := range m.accounts {
		if a.Username == username {
			return copyAccount(a), nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryStore) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		list = append(list, copyAccount(a))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	if offset >= len(list) {
		return []*models.Account{}, nil
	}
	list = list[offset:]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *memoryStore) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Create"]; err != nil {
		return nil, err
	}
	for _, a := range m.accounts {
		if a.Username == account.Username {
			return nil, models.ErrConflict
		}
	}
	c := copyAccount(account)
	if c.ID == "" {
		c.ID = m.nextID("acc")
	}
	m.accounts[c.ID] = c
	return copyAccount(c), nil
}

func (m *memoryStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.PasswordHash = hash
	return nil
}

func (m *memoryStore) RecordLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.LastLoginAt = &at
	}
	return nil
}

func (m *memoryStore) SetStatus(ctx context.Context, id, status string, now time.Time) (*models.Account, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["SetStatus"]; err != nil {
		return nil, 0, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, 0, models.ErrNotFound
	}
	a.Status = status
	var revoked int64
	if status == models.AccountStatusActive {
		reset := now
		a.LockoutResetAt = &reset
	} else {
		revoked = m.revokeAccount(id, models.RevokeReasonStatusChange, now)
	}
	return copyAccount(a), revoked, nil
}

// --- attempt ledger ---

func (m *memoryStore) insertAttempt(attempt *models.LoginAttempt) {
	attempt.ID = m.nextID("att")
	c := *attempt
	m.attempts = append(m.attempts, &c)
}

func (m *memoryStore) RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["RecordAttempt"]; err != nil {
		return err
	}
	m.insertAttempt(attempt)
	return nil
}

func reasonIn(a *models.LoginAttempt, reasons ...string) bool {
	if a.FailureReason == nil {
		return false
	}
	for _, r := range reasons {
		if *a.FailureReason == r {
			return true
		}
	}
	return false
}

func isCredentialFailure(a *models.LoginAttempt) bool {
	return !a.Success && reasonIn(a, models.FailureReasonInvalidPassword, models.FailureReasonPasswordDisabled)
}

func isGuessFailure(a *models.LoginAttempt) bool {
	return !a.Success && reasonIn(a, models.FailureReasonUnknownUser, models.FailureReasonInvalidPassword, models.FailureReasonPasswordDisabled)
}

func (m *memoryStore) RecordFailureAndEvaluate(ctx context.Context, attempt *models.LoginAttempt, policy repositories.LockoutPolicy) (models.LockoutDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["RecordFailureAndEvaluate"]; err != nil {
		return models.LockoutDecision{}, err
	}

	a, ok := m.accounts[*attempt.AccountID]
	if !ok {
		return models.LockoutDecision{}, models.ErrNotFound
	}
	m.insertAttempt(attempt)

	since := policy.WindowStart
	if a.LockoutResetAt != nil && a.LockoutResetAt.After(since) {
		since = *a.LockoutResetAt
	}
	var lastSuccess time.Time
	for _, at := range m.attempts {
		if at.AccountID != nil && *at.AccountID == a.ID && at.Success && at.AttemptedAt.After(lastSuccess) {
			lastSuccess = at.AttemptedAt
		}
	}

	var decision models.LockoutDecision
	for _, at := range m.attempts {
		if at.AccountID != nil && *at.AccountID == a.ID && isCredentialFailure(at) &&
			!at.AttemptedAt.Before(since) && at.AttemptedAt.After(lastSuccess) {
			decision.FailedCount++
		}
	}

	if a.Status == models.AccountStatusLocked {
		decision.Locked = true
		return decision, nil
	}
	if decision.FailedCount < policy.AttemptsLimit {
		decision.Remaining = policy.AttemptsLimit - decision.FailedCount
		return decision, nil
	}

	decision.Locked = true
	decision.JustLocked = true
	a.Status = models.AccountStatusLocked
	m.revokeAccount(a.ID, models.RevokeReasonStatusChange, policy.Now)
	return decision, nil
}

func (m *memoryStore) CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["CountFailuresByIP"]; err != nil {
		return 0, err
	}
	n := 0
	for _, at := range m.attempts {
		if at.IPAddress == ip && isGuessFailure(at) && !at.AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountFailuresByUsername(ctx context.Context, username string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastSuccess time.Time
	for _, at := range m.attempts {
		if at.Username == username && at.Success && at.AttemptedAt.After(lastSuccess) {
			lastSuccess = at.AttemptedAt
		}
	}
	n := 0
	for _, at := range m.attempts {
		if at.Username == username && isGuessFailure(at) && !at.AttemptedAt.Before(since) && at.AttemptedAt.After(lastSuccess) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountDistinctUsernamesByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, at := range m.attempts {
		if at.IPAddress == ip && isGuessFailure(at) && !at.AttemptedAt.Before(since) {
			seen[at.Username] = true
		}
	}
	return len(seen), nil
}

func (m *memoryStore) SuccessHistory(ctx context.Context, username, ip string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hasAny, fromIP bool
	for _, at := range m.attempts {
		if at.Username == username && at.Success {
			hasAny = true
			if at.IPAddress == ip {
				fromIP = true
			}
		}
	}
	return hasAny, fromIP, nil
}

func (m *memoryStore) attemptsWithReason(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.attempts {
		if reasonIn(at, reason) {
			n++
		}
	}
	return n
}

// --- refresh credentials and sessions ---

func (m *memoryStore) endSession(sessionID, reason string, now time.Time) {
	if s, ok := m.sessions[sessionID]; ok && s.EndedAt == nil {
		s.EndedAt = &now
		s.EndReason = &reason
	}
	for _, t := range m.tokens {
		if t.SessionID == sessionID && t.RevokedAt == nil {
			t.RevokedAt = &now
			t.RevokedReason = &reason
		}
	}
}

func (m *memoryStore) revokeAccount(accountID, reason string, now time.Time) int64 {
	var n int64
	for _, t := range m.tokens {
		if t.AccountID == accountID && t.RevokedAt == nil {
			t.RevokedAt = &now
			t.RevokedReason = &reason
			n++
		}
	}
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.EndedAt == nil {
			s.EndedAt = &now
			s.EndReason = &reason
		}
	}
	return n
}

func (m *memoryStore) liveTokens(accountID string, now time.Time) []*models.RefreshToken {
	var live []*models.RefreshToken
	for _, t := range m.tokens {
		if t.AccountID == accountID && t.IsUsable(now) {
			live = append(live, t)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].IssuedAt.Equal(live[j].IssuedAt) {
			return live[i].IssuedAt.Before(live[j].IssuedAt)
		}
		return live[i].ID < live[j].ID
	})
	return live
}

func (m *memoryStore) enforceQuota(accountID string, limit int, now time.Time) int {
	live := m.liveTokens(accountID, now)
	evicted := 0
	for len(live)-evicted >= limit {
		m.endSession(live[evicted].SessionID, models.RevokeReasonQuotaEviction, now)
		evicted++
	}
	return evicted
}

func (m *memoryStore) insertToken(hash, accountID, sessionID, fingerprint string, now, expiresAt time.Time) {
	m.tokens[hash] = &models.RefreshToken{
		ID:                m.nextID("tok"),
		TokenHash:         hash,
		AccountID:         accountID,
		SessionID:         sessionID,
		DeviceFingerprint: fingerprint,
		IssuedAt:          now,
		ExpiresAt:         expiresAt,
	}
}

func (m *memoryStore) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *memoryStore) Issue(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Issue"]; err != nil {
		return nil, err
	}
	a, ok := m.accounts[req.AccountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if a.Status == models.AccountStatusLocked {
		return nil, models.ErrAccountLocked
	}
	if !a.IsActive() {
		return nil, models.ErrAccountInactive
	}

	evicted := m.enforceQuota(req.AccountID, req.MaxPerAccount, req.Now)
	sid := m.nextID("sess")
	m.sessions[sid] = &models.Session{
		ID:                sid,
		AccountID:         req.AccountID,
		DeviceFingerprint: req.DeviceFingerprint,
		CreatedAt:         req.Now,
		LastActivityAt:    req.Now,
	}
	m.insertToken(req.TokenHash, req.AccountID, sid, req.DeviceFingerprint, req.Now, req.ExpiresAt)
	return &models.IssueResult{SessionID: sid, Evicted: evicted}, nil
}

func (m *memoryStore) Rotate(ctx context.Context, req models.RotateRequest) (*models.RotateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Rotate"]; err != nil {
		return nil, err
	}

	t, ok := m.tokens[req.OldTokenHash]
	if !ok || t.RevokedAt != nil || !req.Now.Before(t.ExpiresAt) || t.DeviceFingerprint != req.DeviceFingerprint {
		return nil, models.ErrTokenInvalid
	}
	now := req.Now
	rotated := models.RevokeReasonRotated
	t.RevokedAt = &now
	t.RevokedReason = &rotated

	a := m.accounts[t.AccountID]
	result := &models.RotateResult{Account: copyAccount(a), SessionID: t.SessionID}
	if !a.IsActive() {
		m.revokeAccount(a.ID, models.RevokeReasonStatusChange, now)
		return result, models.ErrSessionRevoked
	}

	s := m.sessions[t.SessionID]
	if s.EndedAt != nil || s.LastActivityAt.Before(req.IdleCutoff) {
		m.endSession(s.ID, models.RevokeReasonIdleTimeout, now)
		return result, models.ErrSessionExpired
	}
	s.LastActivityAt = now

	result.Evicted = m.enforceQuota(a.ID, req.MaxPerAccount, now)
	m.insertToken(req.NewTokenHash, a.ID, s.ID, req.DeviceFingerprint, now, req.ExpiresAt)
	return result, nil
}

func (m *memoryStore) RevokeByHash(ctx context.Context, hash, reason string, now time.Time) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["RevokeByHash"]; err != nil {
		return nil, err
	}
	t, ok := m.tokens[hash]
	if !ok || t.RevokedAt != nil {
		return nil, nil
	}
	m.endSession(t.SessionID, reason, now)
	c := *t
	return &c, nil
}

func (m *memoryStore) RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["RevokeAllForAccount"]; err != nil {
		return 0, err
	}
	return m.revokeAccount(accountID, reason, now), nil
}

func (m *memoryStore) Touch(ctx context.Context, id string, now, idleCutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Touch"]; err != nil {
		return false, err
	}
	s, ok := m.sessions[id]
	if !ok || s.EndedAt != nil || s.LastActivityAt.Before(idleCutoff) {
		return false, nil
	}
	s.LastActivityAt = now
	return true, nil
}

func (m *memoryStore) End(ctx context.Context, id, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endSession(id, reason, now)
	return nil
}

func (m *memoryStore) session(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.sessions[id]
	return &c
}

func (m *memoryStore) liveCount(accountID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveTokens(accountID, now))
}

func (m *memoryStore) account(id string) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyAccount(m.accounts[id])
}

// memoryEvents captures the audit trail
type memoryEvents struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
	err    error
}

func (e *memoryEvents) Create(ctx context.Context, event *models.SecurityEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	c := *event
	e.events = append(e.events, &c)
	return nil
}

func (e *memoryEvents) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.SecurityEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var list []*models.SecurityEvent
	for i := len(e.events) - 1; i >= 0; i-- {
		if ev := e.events[i]; ev.AccountID != nil && *ev.AccountID == accountID {
			list = append(list, ev)
		}
	}
	if offset >= len(list) {
		return []*models.SecurityEvent{}, nil
	}
	list = list[offset:]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (e *memoryEvents) ofType(eventType string) []*models.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var list []*models.SecurityEvent
	for _, ev := range e.events {
		if ev.EventType == eventType {
			list = append(list, ev)
		}
	}
	return list
}

func (e *memoryEvents) last(eventType string) *models.SecurityEvent {
	list := e.ofType(eventType)
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// MockNotifier implements Notifier for testing
type MockNotifier struct {
	mu                      sync.Mutex
	calls                   int
	NotifyAccountLockedFunc func(ctx context.Context, account *models.Account, lockedAt time.Time) error
}

func (m *MockNotifier) NotifyAccountLocked(ctx context.Context, account *models.Account, lockedAt time.Time) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.NotifyAccountLockedFunc != nil {
		return m.NotifyAccountLockedFunc(ctx, account, lockedAt)
	}
	return nil
}

func (m *MockNotifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// harness wires every service over the in-memory store and miniredis
type harness struct {
	t        *testing.T
	clock    *testClock
	store    *memoryStore
	events   *memoryEvents
	redis    *miniredis.Miniredis
	notifier *MockNotifier
	hasher   *pkgauth.Hasher
	policy   config.SecurityPolicy

	audit    *AuditService
	lockout  *LockoutService
	risk     *RiskService
	sessions *SessionService
	forms    *FormTokenService
	accounts *AccountService
	auth     *AuthService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		t:        t,
		clock:    newTestClock(),
		store:    newMemoryStore(),
		events:   &memoryEvents{},
		redis:    mr,
		notifier: &MockNotifier{},
		hasher:   pkgauth.NewHasher(testHasherParams),
		policy:   config.DefaultSecurityPolicy(),
	}
	logger := discardLogger()

	h.audit = NewAuditService(h.events, nil, pkglogger.NewAuditLogger(logger), logger)
	h.audit.now = h.clock.Now

	h.lockout = NewLockoutService(h.store, h.audit, h.notifier, nil, h.policy, logger)
	h.lockout.now = h.clock.Now

	h.risk = NewRiskService(h.store, repositories.NewOriginBlockRepository(client), h.audit, nil, h.policy, logger)
	h.risk.now = h.clock.Now

	tm := auth.NewTokenManager(testSecret, h.policy.AccessTokenTTL())
	h.sessions = NewSessionService(h.store, h.store, h.store, tm, nil, h.policy, logger)
	h.sessions.now = h.clock.Now

	h.forms = NewFormTokenService(repositories.NewFormTokenRepository(client), h.policy.FormTokenTTL(), nil, logger)

	h.accounts = NewAccountService(h.store, h.sessions, h.audit, h.hasher, logger)
	h.accounts.now = h.clock.Now

	authService, err := NewAuthService(AuthServiceConfig{
		Accounts:            h.store,
		Lockout:             h.lockout,
		Risk:                h.risk,
		Sessions:            h.sessions,
		Audit:               h.audit,
		Hasher:              h.hasher,
		Logger:              logger,
		QueryTimeout:        3 * time.Second,
		OriginBlockDuration: h.policy.OriginBlockDuration(),
	})
	require.NoError(t, err)
	authService.now = h.clock.Now
	h.auth = authService

	return h
}

// seedAccount stores an account with the given password and status
func (h *harness) seedAccount(username, password, status string) *models.Account {
	h.t.Helper()
	hash := ""
	if password != "" {
		var err error
		hash, err = h.hasher.Hash(password)
		require.NoError(h.t, err)
	}
	return h.seedAccountWithHash(username, hash, status)
}

func (h *harness) seedAccountWithHash(username, hash, status string) *models.Account {
	h.t.Helper()
	a, err := h.store.Create(context.Background(), &models.Account{
		Username:     username,
		PasswordHash: hash,
		Email:        username + "@example.com",
		Role:         models.RoleUser,
		Status:       status,
	})
	require.NoError(h.t, err)
	return a
}

func (h *harness) login(username, password string) (*models.TokenPair, error) {
	return h.auth.Login(context.Background(), username, password, testIP, testUserAgent)
}

func (h *harness) mustLogin(username, password string) *models.TokenPair {
	h.t.Helper()
	pair, err := h.login(username, password)
	require.NoError(h.t, err)
	return pair
}

func (h *harness) refresh(token string) (*models.TokenPair, error) {
	return h.auth.Refresh(context.Background(), token, testUserAgent, testIP)
}
