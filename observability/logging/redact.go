package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var secretKeys = map[string]struct{}{
	"signature":     {},
	"sig":           {},
	"passphrase":    {},
	"password":      {},
	"private_key":   {},
	"privatekey":    {},
	"token":         {},
	"authorization": {},
	"jwt":           {},
	"secret":        {},
}

func isSecretKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := secretKeys[normalized]; ok {
		return true
	}
	return strings.HasSuffix(normalized, "_signature") || strings.HasSuffix(normalized, "_secret")
}

// SecretKeys returns a sorted copy of the attribute keys masked by loggers
// built with New.
func SecretKeys() []string {
	keys := make([]string, 0, len(secretKeys))
	for key := range secretKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr carrying the masked value. The original key
// casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
