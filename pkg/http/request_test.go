package http_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIPConfig(t *testing.T, cidrs ...string) *pkghttp.IPConfig {
	t.Helper()
	cfg, err := pkghttp.NewIPConfig(cidrs)
	require.NoError(t, err)
	return cfg
}

// Forwarding headers are only trusted from configured proxies; otherwise a
// client could pick the origin the brute-force counters are keyed on.

func TestExtractClientIP_DirectConnection_IgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	req.Header.Set("X-Real-IP", "192.168.1.1")

	config := mustIPConfig(t, "10.0.0.0/8", "172.16.0.0/12", "127.0.0.1/32")

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_UsesXForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.5")

	config := mustIPConfig(t, "10.0.0.0/8")

	assert.Equal(t, "203.0.113.42", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_FallsBackToXRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "garbage")
	req.Header.Set("X-Real-IP", "203.0.113.7")

	config := mustIPConfig(t, "10.0.0.0/8")

	assert.Equal(t, "203.0.113.7", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_IPv6_TrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:54321"
	req.Header.Set("X-Forwarded-For", "2001:db8::1")

	config := mustIPConfig(t, "::1/128", "2001:db8::/32")

	assert.Equal(t, "2001:db8::1", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_NoConfig_DefaultsSecurely(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, nil))
}

func TestExtractClientIP_EmptyConfig_DefaultsSecurely(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, mustIPConfig(t)))
}

func TestExtractClientIP_LocalhostBypass_Prevention(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "127.0.0.1, 203.0.113.10")

	config := mustIPConfig(t, "10.0.0.0/8")

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, config))
}

func TestNewIPConfig_InvalidCIDR(t *testing.T) {
	_, err := pkghttp.NewIPConfig([]string{"10.0.0.0/8", "invalid-cidr-range"})
	assert.Error(t, err)
}

func TestRequestOrigin(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("User-Agent", "  Mozilla/5.0  ")

	origin := pkghttp.RequestOrigin(req, nil)

	assert.Equal(t, "203.0.113.10", origin.IP)
	assert.Equal(t, "Mozilla/5.0", origin.UserAgent)
}

func TestRequestOrigin_TruncatesLongUserAgent(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.Header.Set("User-Agent", strings.Repeat("x", 2000))

	origin := pkghttp.RequestOrigin(req, nil)

	assert.Len(t, origin.UserAgent, 512)
}
