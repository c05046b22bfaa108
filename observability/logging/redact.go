package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder logged in place of sensitive values.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"subject":   {},
	"route":     {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts value unless key is allowlisted.
// Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
