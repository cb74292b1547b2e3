package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"wallet":    {},
	"address":   {},
	"txhash":    {},
	"nonce":     {},
	"deadline":  {},
	"state":     {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// Truncate keeps the first and last few characters of long values such as
// signatures so log lines can be correlated without exposing the full value.
func Truncate(value string, keep int) string {
	trimmed := strings.TrimSpace(value)
	if keep <= 0 || len(trimmed) <= keep*2+3 {
		return trimmed
	}
	return trimmed[:keep] + "..." + trimmed[len(trimmed)-keep:]
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
