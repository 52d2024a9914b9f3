package http

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// maxUserAgentLen bounds the user agent stored on the attempt ledger
const maxUserAgentLen = 512

// IPConfig holds the proxies whose forwarding headers are trusted
type IPConfig struct {
	trusted []*net.IPNet
}

// NewIPConfig parses the trusted proxy CIDR ranges. An empty list trusts no
// proxy, so only RemoteAddr is ever used.
func NewIPConfig(trustedProxies []string) (*IPConfig, error) {
	cfg := &IPConfig{}
	for _, cidr := range trustedProxies {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy range %q: %w", cidr, err)
		}
		cfg.trusted = append(cfg.trusted, ipNet)
	}
	return cfg, nil
}

// Origin identifies where a request came from
type Origin struct {
	IP        string
	UserAgent string
}

// RequestOrigin extracts the client address and user agent of r
func RequestOrigin(r *http.Request, config *IPConfig) Origin {
	ua := strings.TrimSpace(r.UserAgent())
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return Origin{IP: ExtractClientIP(r, config), UserAgent: ua}
}

// ExtractClientIP returns the client address of r. X-Forwarded-For and
// X-Real-IP are honoured only when the direct peer is a trusted proxy.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := remoteAddr(r)

	if config.isTrusted(remoteIP) {
		// First valid entry is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, ip := range strings.Split(xff, ",") {
				ip = strings.TrimSpace(ip)
				if net.ParseIP(ip) != nil {
					return ip
				}
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	return remoteIP
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func (c *IPConfig) isTrusted(ip string) bool {
	if c == nil || len(c.trusted) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range c.trusted {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}
