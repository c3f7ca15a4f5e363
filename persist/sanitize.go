package persist

import "strings"

// sensitiveKeys are matched case-insensitively as substrings of output
// field names. Matching fields are stripped before any write.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"access_key",
}

// Sanitize returns a copy of outputs with sensitive fields removed,
// recursing into nested maps and lists. A nil map stays nil.
func Sanitize(outputs map[string]any) map[string]any {
	if outputs == nil {
		return nil
	}
	clean := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if isSensitive(k) {
			continue
		}
		clean[k] = sanitizeValue(v)
	}
	return clean
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
