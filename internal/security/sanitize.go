package security

import (
	"regexp"
	"strings"
)

type sensitivePattern struct {
	pattern *regexp.Regexp
	mask    string
}

// sensitivePatterns catches the secret shapes that could end up embedded in
// an error string surfaced from an HTTP client or JSON body (a bearer token
// echoed back by a misbehaving upstream, a JWT pasted into a bug report)
// before it reaches a log line. Order matters: more specific patterns first.
var sensitivePatterns = []sensitivePattern{
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]{20,}`), "Bearer [REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)(secret|client_secret)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,})['"]?`), "$1=[REDACTED_SECRET]"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?([^'"\s]{6,})['"]?`), "$1=[REDACTED_PASSWORD]"},
}

var sensitiveHeaders = []string{"authorization", "x-service-token", "cookie", "set-cookie"}

// SanitizeString masks sensitive substrings in a string destined for a log line.
func SanitizeString(input string) string {
	result := input
	for _, p := range sensitivePatterns {
		result = p.pattern.ReplaceAllString(result, p.mask)
	}
	return result
}

// SanitizeError sanitizes an error's message before it is logged.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeHeaders redacts sensitive HTTP headers before they are logged.
func SanitizeHeaders(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}
	sanitized := make(map[string][]string, len(headers))
	for key, values := range headers {
		lowerKey := strings.ToLower(key)
		sensitive := false
		for _, h := range sensitiveHeaders {
			if lowerKey == h {
				sensitive = true
				break
			}
		}
		if sensitive {
			sanitized[key] = []string{"[REDACTED]"}
			continue
		}
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = SanitizeString(v)
		}
		sanitized[key] = out
	}
	return sanitized
}
