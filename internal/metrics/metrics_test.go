package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMetrics_Counters(t *testing.T) {
	m, err := NewAuthMetrics(Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	m.LoginOutcome("success")
	m.LoginOutcome("success")
	m.LoginOutcome("invalid_credentials")
	m.AccountLocked()
	m.OriginBlocked()
	m.FormTokenChecked(true)
	m.FormTokenChecked(false)
	m.FormTokenChecked(false)
	m.RefreshOutcome("rotated")
	m.SessionRevoked("logout")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Logins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Logins.WithLabelValues("invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lockouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OriginBlocks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FormTokens.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FormTokens.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("rotated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Revocations.WithLabelValues("logout")))
}

func TestAuthMetrics_NilSafe(t *testing.T) {
	var m *AuthMetrics
	assert.NotPanics(t, func() {
		m.LoginOutcome("success")
		m.RefreshOutcome("rotated")
		m.AccountLocked()
		m.OriginBlocked()
		m.FormTokenChecked(true)
		m.SessionRevoked("logout")
	})
}

func TestNewAuthMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewAuthMetrics(Options{Registerer: reg})
	require.NoError(t, err)
	second, err := NewAuthMetrics(Options{Registerer: reg})
	require.NoError(t, err)

	second.AccountLocked()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.Lockouts))
}

func TestHTTPMetrics_RecordsRoutePattern(t *testing.T) {
	m, err := NewHTTPMetrics(Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/admin/accounts/{id}/unlock", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/abc/unlock", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	labels := prometheus.Labels{"method": http.MethodPost, "route": "/admin/accounts/{id}/unlock", "status": "204"}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.With(labels)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
	assert.Positive(t, testutil.CollectAndCount(m.Duration))
}

func TestHTTPMetrics_NilPassThrough(t *testing.T) {
	var m *HTTPMetrics
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakePoolStat struct{ acquired, idle, total, max int32 }

func (f fakePoolStat) AcquiredConns() int32 { return f.acquired }
func (f fakePoolStat) IdleConns() int32     { return f.idle }
func (f fakePoolStat) TotalConns() int32    { return f.total }
func (f fakePoolStat) MaxConns() int32      { return f.max }

func TestRegisterPoolStats_ReadsOnScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	current := fakePoolStat{acquired: 1, idle: 2, total: 3, max: 25}
	require.NoError(t, RegisterPoolStats(Options{Registerer: reg}, func() PoolStat { return current }))

	expected := `
# HELP warden_db_pool_acquired_connections Connections currently checked out of the database pool.
# TYPE warden_db_pool_acquired_connections gauge
warden_db_pool_acquired_connections 1
# HELP warden_db_pool_max_connections Configured upper bound of the database pool.
# TYPE warden_db_pool_max_connections gauge
warden_db_pool_max_connections 25
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"warden_db_pool_acquired_connections", "warden_db_pool_max_connections"))

	current.acquired = 7
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, "connections 1\n", "connections 7\n", 1)),
		"warden_db_pool_acquired_connections", "warden_db_pool_max_connections"))
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
