package translate

import "strings"

// SanitizeSchema prepares a caller-supplied JSON Schema for the upstream
// validator, which accepts only a conservative subset of the spec. Keys
// carrying vendor or draft metadata ("$schema", "$id", "x-..." extensions)
// are stripped, and object schemas missing their type or properties are
// coerced to a minimal empty object schema so permissive caller schemas do
// not fail validation.
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := sanitizeValue(schema).(map[string]any)

	// Top-level tool parameters must be an object schema.
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if dropSchemaKey(k) {
				continue
			}
			out[k] = sanitizeValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeValue(child)
		}
		return out
	default:
		return v
	}
}

// dropSchemaKey reports whether a schema key is vendor metadata the upstream
// validator rejects.
func dropSchemaKey(k string) bool {
	return strings.HasPrefix(k, "$") || strings.HasPrefix(k, "x-")
}
