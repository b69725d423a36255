// Package orchlog is the structured-logging setup shared by the
// orchestrator binaries: a JSON slog handler writing to stdout and a
// rotating file, with secret redaction applied to every attribute
// before it leaves the process. Grounded directly on
// internal/telemetry/logging.go + internal/shared/redact.go.
package orchlog

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing substrings so they never
// reach a log line even when embedded inside a larger string value
// (e.g. an error message that echoes a request header).
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// redact replaces secret-bearing patterns in s with a fixed placeholder,
// keeping any "key=" prefix intact so the log line still names what was
// redacted.
func redact(s string) string {
	if s == "" {
		return s
	}
	result := s
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// shouldRedactKey reports whether an attribute key's own name is enough
// to redact its value outright, regardless of content.
func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return redactedPlaceholder, true
	}
	if redacted := redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}
