package logutil

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveFragments mark header, query and field names whose values never
// reach the logs. "key" matches the fixture app's ?key= credential parameter.
var sensitiveFragments = []string{"token", "secret", "password", "apikey", "cookie", "auth"}

// IsSensitiveLogField reports whether key likely names a credential.
func IsSensitiveLogField(key string) bool {
	normalized := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(key)))
	if normalized == "key" {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(normalized, frag) {
			return true
		}
	}
	return false
}

// RedactHeaderValue redacts a header value when the key looks sensitive.
func RedactHeaderValue(key, value string) string {
	if IsSensitiveLogField(key) {
		return redacted
	}
	return value
}

// FormatHeadersForLog renders headers as sorted, redacted "name=value" pairs.
func FormatHeadersForLog(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		values := headers.Values(name)
		lower := strings.ToLower(name)
		if len(values) == 0 {
			parts = append(parts, lower+"=<empty>")
			continue
		}
		shown := make([]string, len(values))
		for i, v := range values {
			shown[i] = RedactHeaderValue(name, v)
		}
		parts = append(parts, fmt.Sprintf("%s=%q", lower, strings.Join(shown, ", ")))
	}
	return strings.Join(parts, "; ")
}

// RedactURLForLog masks sensitive query parameters and userinfo passwords.
// Unparseable input is returned truncated rather than echoed in full.
func RedactURLForLog(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return TruncateForLog(raw, 64)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	if u.RawQuery == "" {
		return u.String()
	}
	query := u.Query()
	changed := false
	for k, values := range query {
		if !IsSensitiveLogField(k) {
			continue
		}
		for i := range values {
			values[i] = redacted
		}
		changed = true
	}
	if changed {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
