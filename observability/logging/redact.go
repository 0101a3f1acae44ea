package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces the value of any sensitive attribute.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"secret":        {},
	"hmac_secret":   {},
	"passphrase":    {},
	"password":      {},
	"private_key":   {},
	"dsn":           {},
}

// Sensitive reports whether values logged under key must be masked. Keys are
// matched case-insensitively; suffixed forms such as api_token or journal_dsn
// are sensitive too.
func Sensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, suffix := range []string{"_secret", "_token", "_passphrase", "_dsn"} {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// Mask builds a string attribute, hiding the value when key is sensitive.
func Mask(key, value string) slog.Attr {
	if value != "" && Sensitive(key) {
		value = RedactedValue
	}
	return slog.String(key, value)
}

// redactAttr is applied to every attribute by the handler built in Setup so
// that secrets logged through plain slog.String calls are masked as well.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !Sensitive(attr.Key) {
		return attr
	}
	if attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
