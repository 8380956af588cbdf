package contract

// Redact returns a deep copy of value with every sensitivity-marked
// field replaced by the Redacted sentinel. The input is never mutated.
// Fields the contract does not describe pass through unchanged. A
// reference that cannot be followed redacts its whole subtree rather
// than passing data through unscreened.
func (v *Validator) Redact(value any, s *Schema) any {
	return v.redact(value, s, s)
}

func (v *Validator) redact(value any, s, root *Schema) any {
	if s != nil && s.Sensitive {
		return Redacted
	}
	if s != nil && s.Ref != "" {
		resolved, resolvedRoot, err := v.resolver.deref(s, root, v.maxRefDepth)
		if err != nil {
			return Redacted
		}
		s, root = resolved, resolvedRoot
		if s != nil && s.Sensitive {
			return Redacted
		}
	}
	if s == nil {
		return deepCopy(value)
	}

	switch val := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			prop, known := s.Properties[k]
			if !known {
				out[k] = deepCopy(item)
				continue
			}
			out[k] = v.redact(item, prop, root)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			if s.Items == nil {
				out[i] = deepCopy(item)
				continue
			}
			out[i] = v.redact(item, s.Items, root)
		}
		return out
	default:
		return value
	}
}

// deepCopy copies the map and slice spine of a decoded document value.
// Scalars are immutable and shared.
func deepCopy(value any) any {
	switch val := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return value
	}
}
