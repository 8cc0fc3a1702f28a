package audit

import "strings"

// RedactionMarker replaces every sensitive value before an event is persisted
// or emitted anywhere.
const RedactionMarker = "***REDACTED***"

var sensitiveKeys = []string{
	"password", "pwd", "secret", "token", "api_key", "apikey",
	"authorization", "auth", "credential", "private_key",
	"access_token", "refresh_token", "email",
}

// Redact returns a deep copy of eventContext with every value whose key
// contains a sensitive name (case-insensitive substring) replaced by the
// redaction marker. Nested maps and slices are walked. The input is not
// mutated.
func Redact(eventContext map[string]any) map[string]any {
	if eventContext == nil {
		return nil
	}

	out := make(map[string]any, len(eventContext))
	for key, value := range eventContext {
		if isSensitiveKey(key) {
			out[key] = RedactionMarker
			continue
		}
		out[key] = redactValue(value)
	}

	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Redact(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowered, sensitive) {
			return true
		}
	}
	return false
}
