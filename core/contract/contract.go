// Package contract provides typed validation trees for module inputs
// and outputs. Contracts are declared at registration and enforced at
// call time.
package contract

import (
	"fmt"
	"strings"
)

// Type identifies the value kind a schema node accepts.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// Redacted is the sentinel written over sensitivity-marked fields.
const Redacted = "[redacted]"

// Schema is one node of a contract tree. A zero schema accepts any
// value. Ref, when set, defers to another node; of the remaining
// fields on a ref node only Nullable is honored.
type Schema struct {
	Type        Type   `yaml:"type,omitempty" json:"type,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Accepted values regardless of other constraints.
	Enum []any `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Numeric bounds (integer, number).
	Minimum *float64 `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum *float64 `yaml:"maximum,omitempty" json:"maximum,omitempty"`

	// String bounds.
	Pattern   string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	MinLength *int   `yaml:"min_length,omitempty" json:"minLength,omitempty"`
	MaxLength *int   `yaml:"max_length,omitempty" json:"maxLength,omitempty"`

	// Object shape. AdditionalProperties nil means extra fields are
	// allowed; an explicit false rejects them.
	Properties           map[string]*Schema `yaml:"properties,omitempty" json:"properties,omitempty"`
	Required             []string           `yaml:"required,omitempty" json:"required,omitempty"`
	AdditionalProperties *bool              `yaml:"additional_properties,omitempty" json:"additionalProperties,omitempty"`

	// Array element contract.
	Items *Schema `yaml:"items,omitempty" json:"items,omitempty"`

	// Nullable admits null in addition to the declared type.
	Nullable bool `yaml:"nullable,omitempty" json:"nullable,omitempty"`

	// Sensitive marks the subtree for redaction. No execution effect.
	Sensitive bool `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`

	// Reference to another node: "#/defs/x" (local), "doc#/defs/x"
	// (cross-document) or a bare id registered via ID.
	Ref string `yaml:"ref,omitempty" json:"$ref,omitempty"`

	// ID makes this node addressable by bare-id references.
	ID string `yaml:"id,omitempty" json:"$id,omitempty"`

	// Defs holds named nodes addressable by pointer references.
	Defs map[string]*Schema `yaml:"defs,omitempty" json:"$defs,omitempty"`
}

// Clone returns a deep copy of the schema tree.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	if s.Minimum != nil {
		m := *s.Minimum
		out.Minimum = &m
	}
	if s.Maximum != nil {
		m := *s.Maximum
		out.Maximum = &m
	}
	if s.MinLength != nil {
		n := *s.MinLength
		out.MinLength = &n
	}
	if s.MaxLength != nil {
		n := *s.MaxLength
		out.MaxLength = &n
	}
	if s.AdditionalProperties != nil {
		b := *s.AdditionalProperties
		out.AdditionalProperties = &b
	}
	if s.Enum != nil {
		out.Enum = append([]any(nil), s.Enum...)
	}
	if s.Required != nil {
		out.Required = append([]string(nil), s.Required...)
	}
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for k, p := range s.Properties {
			out.Properties[k] = p.Clone()
		}
	}
	if s.Defs != nil {
		out.Defs = make(map[string]*Schema, len(s.Defs))
		for k, d := range s.Defs {
			out.Defs[k] = d.Clone()
		}
	}
	out.Items = s.Items.Clone()
	return &out
}

// FieldError represents one validation failure at a field path.
type FieldError struct {
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
	Expected   any    `json:"expected,omitempty"`
	Actual     any    `json:"actual,omitempty"`
	Message    string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Result holds all validation errors for one value.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// AddError records a validation failure.
func (r *Result) AddError(path, constraint string, expected, actual any, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, FieldError{
		Path:       path,
		Constraint: constraint,
		Expected:   expected,
		Actual:     actual,
		Message:    message,
	})
}

// Error returns the combined error message, empty when valid.
func (r Result) Error() string {
	if r.Valid {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// joinPath extends a dotted field path by one object key.
func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// indexPath extends a field path by one array index.
func indexPath(base string, i int) string {
	if base == "" {
		return fmt.Sprintf("[%d]", i)
	}
	return fmt.Sprintf("%s[%d]", base, i)
}
