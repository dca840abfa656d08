// Package redact strips credentials and user content from values before they
// are logged.
//
// Kioku logs never carry bearer tokens, API keys, signing keys, or the raw
// text of a user's messages and memories. Call sites pass the known secrets
// explicitly; Map and Header catch the common accidental cases.
package redact

import (
	"strings"
	"unicode/utf8"
)

const placeholder = "[REDACTED]"

// String replaces each sensitive value in s. Values shorter than 4 bytes are
// ignored so that short common substrings survive.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values of secret-looking keys
// replaced.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && isSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// Header redacts an Authorization header value while keeping its scheme,
// so "Bearer abc.def" becomes "Bearer [REDACTED]".
func Header(value string) string {
	if value == "" {
		return ""
	}
	if scheme, _, ok := strings.Cut(value, " "); ok {
		return scheme + " " + placeholder
	}
	return placeholder
}

// Text shortens user content for logs to at most n runes.
func Text(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
