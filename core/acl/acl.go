// Package acl evaluates caller to target authorization using pattern
// rules with priorities. Evaluation is pure and deterministic for a
// fixed policy; the whole policy is swapped atomically on reload.
package acl

import "fmt"

// Effect is the outcome a rule or policy default prescribes.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Valid reports whether the effect is one of the two known values.
func (e Effect) Valid() bool {
	return e == Allow || e == Deny
}

// Rule authorizes or blocks calls whose caller id matches any caller
// pattern and whose target id matches any target pattern. Higher
// priority rules are consulted first; at equal priority deny ranks
// before allow, and definition order breaks remaining ties.
type Rule struct {
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Callers  []string `yaml:"callers" json:"callers"`
	Targets  []string `yaml:"targets" json:"targets"`
	Effect   Effect   `yaml:"effect" json:"effect"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Policy is a complete rule set plus the effect applied when no rule
// matches.
type Policy struct {
	Rules         []Rule `yaml:"rules" json:"rules"`
	DefaultEffect Effect `yaml:"default_effect" json:"default_effect"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Effect  Effect
	Rule    *Rule // matched rule, nil when the default effect applied
	Caller  string
	Target  string
	Default bool
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool {
	return d.Effect == Allow
}

func (d Decision) String() string {
	if d.Default {
		return fmt.Sprintf("%s %s -> %s (default effect)", d.Effect, d.Caller, d.Target)
	}
	name := d.Rule.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("%s %s -> %s (rule %q, priority %d)", d.Effect, d.Caller, d.Target, name, d.Rule.Priority)
}
