package core

import "strings"

const RedactedValue = "[REDACTED]"

// sensitiveKeyFragments mark a log field as secret when they appear anywhere
// in its lowercased key.
var sensitiveKeyFragments = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"credential",
	"signature",
}

// traceKeys stay readable even if they contain a sensitive fragment.
var traceKeys = map[string]struct{}{
	"provider":            {},
	"business_profile_id": {},
	"resource_type":       {},
	"run_id":              {},
	"job_id":              {},
	"external_id":         {},
	"idempotency_key":     {},
	"request_id":          {},
	"delivery_id":         {},
	"tenant_id":           {},
}

// RedactSensitiveMap returns a copy of metadata with secret values replaced.
// Nested maps and slices are walked.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if sensitiveKey(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return RedactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}
		return out
	}
	return value
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	if _, ok := traceKeys[key]; ok {
		return false
	}
	// OAuth callback parameters.
	if key == "code" || key == "state" {
		return true
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}
