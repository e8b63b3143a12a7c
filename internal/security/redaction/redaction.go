package redaction

import (
	"regexp"
	"strings"
)

const Placeholder = "[REDACTED]"

var (
	// Usage counters that contain "token" but carry no secret.
	nonSensitiveTokenKeys = map[string]struct{}{
		"tokens":        {},
		"token_count":   {},
		"tokens_used":   {},
		"total_tokens":  {},
		"input_tokens":  {},
		"output_tokens": {},
		"max_tokens":    {},
	}

	sensitiveKeyFragments    = []string{"secret", "password", "authorization", "cookie", "credential"}
	sensitiveValueIndicators = []string{"bearer ", "ghp_", "sk-", "xoxb-", "xoxp-", "-----begin", "api_key", "apikey", "access_token", "refresh_token"}

	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(sk-[A-Za-z0-9_\-]{8,})`)
)

// IsSensitiveKey reports whether the provided key name likely references sensitive data.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(strings.TrimSpace(key))
	if lowerKey == "" {
		return false
	}
	if _, ok := nonSensitiveTokenKeys[lowerKey]; ok {
		return false
	}
	if lowerKey == "token" || strings.HasSuffix(lowerKey, "_token") || strings.HasPrefix(lowerKey, "token_") {
		return true
	}
	if lowerKey == "key" || strings.HasSuffix(lowerKey, "_key") || strings.Contains(lowerKey, "apikey") {
		return true
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lowerKey, fragment) {
			return true
		}
	}
	return false
}

// LooksLikeSecret reports whether the provided value appears to contain secret material.
func LooksLikeSecret(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	lowerValue := strings.ToLower(trimmed)
	for _, indicator := range sensitiveValueIndicators {
		if strings.Contains(lowerValue, indicator) {
			return true
		}
	}
	return false
}

// RedactLine masks bearer tokens and API keys embedded in free text such as log lines.
func RedactLine(line string) string {
	if line == "" {
		return line
	}
	line = bearerPattern.ReplaceAllString(line, "${1}"+Placeholder)
	return apiKeyPattern.ReplaceAllString(line, Placeholder)
}

// RedactMap returns a deep copy of values with sensitive keys and secret-looking
// strings replaced by Placeholder.
func RedactMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	sanitized := make(map[string]any, len(values))
	for key, value := range values {
		sanitized[key] = redactValue(key, value)
	}
	return sanitized
}

func redactValue(parentKey string, value any) any {
	if IsSensitiveKey(parentKey) {
		return Placeholder
	}
	switch typed := value.(type) {
	case map[string]any:
		return RedactMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue("", item)
		}
		return out
	case string:
		if LooksLikeSecret(typed) {
			return Placeholder
		}
		return typed
	default:
		return typed
	}
}
