package orchestration

// SanitizeFinalOutput reduces each top-level step value in raw to structural
// metadata only, so customer payload bytes never enter durable storage
// outside the (separately retention-limited) cached_outputs blob (§6).
//
// Arrays become {count, type:"array", sample_keys: first 5 keys of the
// first element if it is an object, else an empty list}. Primitives are
// kept as-is. Objects become {type:"object", keys: first 10 keys}. Nested
// recursion is one level: a value inside an array or object is summarized,
// not sanitized further.
func SanitizeFinalOutput(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case []any:
		sampleKeys := []string{}
		if len(val) > 0 {
			if first, ok := val[0].(map[string]any); ok {
				sampleKeys = firstNKeys(first, 5)
			}
		}
		return map[string]any{
			"count":       len(val),
			"type":        "array",
			"sample_keys": sampleKeys,
		}
	case map[string]any:
		return map[string]any{
			"type": "object",
			"keys": firstNKeys(val, 10),
		}
	default:
		return val
	}
}

// firstNKeys returns up to n keys of m. Map iteration order is randomized by
// the runtime, so "first" is stable only within a single call, matching the
// spec's intent of bounding leaked field names rather than guaranteeing a
// canonical order.
func firstNKeys(m map[string]any, n int) []string {
	keys := make([]string, 0, n)
	for k := range m {
		if len(keys) >= n {
			break
		}
		keys = append(keys, k)
	}
	return keys
}
