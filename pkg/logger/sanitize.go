package logger

import (
	"log/slog"
	"strings"
)

// SanitizedUsername masks a username for logging, keeping the first and last
// character ("a***e"). Short names are fully masked.
func SanitizedUsername(username string) string {
	runes := []rune(username)
	switch {
	case len(runes) == 0:
		return ""
	case len(runes) <= 3:
		return strings.Repeat("*", len(runes))
	default:
		return string(runes[0]) + strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-1])
	}
}

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	if len(local) > 1 {
		local = local[:1] + strings.Repeat("*", len(local)-1)
	}

	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return local + "@" + domain
}

// RedactedAttr returns a redacted slog attribute for sensitive values.
// In production the value is replaced with "[REDACTED]".
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

var sensitiveParams = []string{
	"password",
	"token",
	"secret",
	"refresh",
	"form_token",
	"username",
	"auth",
}

// SanitizeQueryString reports whether the raw query string mentions a
// sensitive parameter and must be redacted as a whole
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
