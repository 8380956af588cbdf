package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
)

// Validator validates values against contract trees. It is safe for
// concurrent use; compiled patterns are cached across calls.
type Validator struct {
	resolver    *Resolver
	maxRefDepth int

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// New creates a validator. The resolver may be nil when contracts
// carry no cross-document or id references.
func New(resolver *Resolver) *Validator {
	return &Validator{
		resolver:    resolver,
		maxRefDepth: DefaultMaxRefDepth,
		patterns:    make(map[string]*regexp.Regexp),
	}
}

// Validate checks value against the contract rooted at s. The Result
// collects every field-level failure. A non-nil error means the
// contract itself is unusable (broken reference, bad pattern), not
// that the value failed validation.
func (v *Validator) Validate(value any, s *Schema) (Result, error) {
	res := Result{Valid: true}
	err := v.validate(value, s, s, "", &res)
	return res, err
}

func (v *Validator) validate(value any, s, root *Schema, path string, res *Result) error {
	if s == nil {
		return nil
	}
	// Nullable on a reference node widens the target, so it is honored
	// before the reference is followed.
	if value == nil && s.Nullable {
		return nil
	}
	s, root, err := v.resolver.deref(s, root, v.maxRefDepth)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	if value == nil {
		if s.Nullable || s.Type == "" {
			return nil
		}
		res.AddError(path, "type", string(s.Type), nil, "must not be null")
		return nil
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		res.AddError(path, "enum", s.Enum, value, fmt.Sprintf("must be one of: %s", joinEnum(s.Enum)))
		return nil
	}

	switch s.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			res.AddError(path, "type", "string", typeName(value), "must be a string")
			return nil
		}
		return v.validateString(str, s, path, res)

	case TypeInteger:
		f, ok := toFloat64(value)
		if !ok || math.Trunc(f) != f {
			res.AddError(path, "type", "integer", typeName(value), "must be an integer")
			return nil
		}
		v.validateBounds(f, s, path, res)

	case TypeNumber:
		f, ok := toFloat64(value)
		if !ok {
			res.AddError(path, "type", "number", typeName(value), "must be a number")
			return nil
		}
		v.validateBounds(f, s, path, res)

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			res.AddError(path, "type", "boolean", typeName(value), "must be a boolean")
		}

	case TypeObject:
		m, ok := value.(map[string]any)
		if !ok {
			res.AddError(path, "type", "object", typeName(value), "must be an object")
			return nil
		}
		return v.validateObject(m, s, root, path, res)

	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			res.AddError(path, "type", "array", typeName(value), "must be an array")
			return nil
		}
		for i, item := range arr {
			if err := v.validate(item, s.Items, root, indexPath(path, i), res); err != nil {
				return err
			}
		}

	default:
		// Untyped node: recurse into whatever shape it declares.
		if m, ok := value.(map[string]any); ok && (s.Properties != nil || s.Required != nil) {
			return v.validateObject(m, s, root, path, res)
		}
		if arr, ok := value.([]any); ok && s.Items != nil {
			for i, item := range arr {
				if err := v.validate(item, s.Items, root, indexPath(path, i), res); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (v *Validator) validateString(str string, s *Schema, path string, res *Result) error {
	if s.MinLength != nil && len(str) < *s.MinLength {
		res.AddError(path, "min_length", *s.MinLength, len(str),
			fmt.Sprintf("must be at least %d characters", *s.MinLength))
	}
	if s.MaxLength != nil && len(str) > *s.MaxLength {
		res.AddError(path, "max_length", *s.MaxLength, len(str),
			fmt.Sprintf("must be at most %d characters", *s.MaxLength))
	}
	if s.Pattern != "" {
		re, err := v.getOrCompile(s.Pattern)
		if err != nil {
			return fmt.Errorf("contract pattern at %q: %w", path, err)
		}
		if !re.MatchString(str) {
			res.AddError(path, "pattern", s.Pattern, str, "does not match required pattern")
		}
	}
	return nil
}

func (v *Validator) validateBounds(f float64, s *Schema, path string, res *Result) {
	if s.Minimum != nil && f < *s.Minimum {
		res.AddError(path, "min", *s.Minimum, f, fmt.Sprintf("must be at least %v", *s.Minimum))
	}
	if s.Maximum != nil && f > *s.Maximum {
		res.AddError(path, "max", *s.Maximum, f, fmt.Sprintf("must be at most %v", *s.Maximum))
	}
}

func (v *Validator) validateObject(m map[string]any, s, root *Schema, path string, res *Result) error {
	// Unknown fields first, so strict contracts fail loud.
	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		unknown := make([]string, 0)
		for k := range m {
			if _, known := s.Properties[k]; !known {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			res.AddError(joinPath(path, k), "additional_properties", nil, k,
				fmt.Sprintf("unknown field %q - not defined in contract", k))
		}
	}

	for _, req := range s.Required {
		if _, ok := m[req]; !ok {
			res.AddError(joinPath(path, req), "required", nil, nil, "field is required")
		}
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		val, ok := m[name]
		if !ok {
			continue
		}
		if err := v.validate(val, s.Properties[name], root, joinPath(path, name), res); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) getOrCompile(pattern string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[pattern]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.patterns[pattern] = re
	v.mu.Unlock()
	return re, nil
}

func enumContains(enum []any, value any) bool {
	want := fmt.Sprintf("%v", value)
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == want {
			return true
		}
	}
	return false
}

func joinEnum(enum []any) string {
	out := ""
	for i, e := range enum {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%v", e)
	}
	return out
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

// toFloat64 converts the numeric types a decoded document can carry.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
