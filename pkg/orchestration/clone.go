package orchestration

// deepCopyValue recursively clones the JSON-like value trees (maps, slices,
// and scalars) that flow through variables and step outputs, so checkpoints
// and child contexts never alias the live state they were snapshotted from
// (design note: "Cyclic-context problem", §9).
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		// Scalars (string, number, bool, nil) and any other value type are
		// copied by value already.
		return val
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyStepOutput(o StepOutput) StepOutput {
	o.Data = deepCopyValue(o.Data)
	return o
}

func deepCopyStepOutputs(m map[string]StepOutput) map[string]StepOutput {
	if m == nil {
		return nil
	}
	out := make(map[string]StepOutput, len(m))
	for k, v := range m {
		out[k] = deepCopyStepOutput(v)
	}
	return out
}

func deepCopyStringSlice(s []string) []string {
	return append([]string(nil), s...)
}
