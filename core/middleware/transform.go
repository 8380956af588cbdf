package middleware

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/modgate/modgate/core/acl"
	"github.com/modgate/modgate/core/call"
)

// TransformRule rewrites the input or output of the modules its target
// patterns match. Set expressions are evaluated against the payload
// environment and written under their field name; drops remove fields
// after sets have run.
type TransformRule struct {
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	Targets    []string          `yaml:"targets" json:"targets"`
	SetInput   map[string]string `yaml:"set_input,omitempty" json:"set_input,omitempty"`
	DropInput  []string          `yaml:"drop_input,omitempty" json:"drop_input,omitempty"`
	SetOutput  map[string]string `yaml:"set_output,omitempty" json:"set_output,omitempty"`
	DropOutput []string          `yaml:"drop_output,omitempty" json:"drop_output,omitempty"`
}

// TransformConfig is the rule set for one transform middleware.
type TransformConfig struct {
	Rules []TransformRule `yaml:"rules" json:"rules"`
}

// transformer evaluates expr programs with a compiled-program cache
// shared across calls.
type transformer struct {
	cacheMu sync.RWMutex
	cache   map[string]*vm.Program

	envOptions []expr.Option
}

func newTransformer() *transformer {
	t := &transformer{cache: make(map[string]*vm.Program)}

	t.envOptions = []expr.Option{
		expr.Function("lower", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("lower requires 1 argument")
			}
			return strings.ToLower(asString(params[0])), nil
		}),
		expr.Function("upper", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("upper requires 1 argument")
			}
			return strings.ToUpper(asString(params[0])), nil
		}),
		expr.Function("trim", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("trim requires 1 argument")
			}
			return strings.TrimSpace(asString(params[0])), nil
		}),
		expr.Function("coalesce", func(params ...any) (any, error) {
			for _, p := range params {
				if p != nil && p != "" {
					return p, nil
				}
			}
			return nil, nil
		}),
		expr.Function("default", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("default requires 2 arguments (value, fallback)")
			}
			if params[0] == nil || params[0] == "" {
				return params[1], nil
			}
			return params[0], nil
		}),
	}
	return t
}

// eval runs one expression against the payload environment.
func (t *transformer) eval(expression string, env map[string]any) (any, error) {
	program, err := t.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("run expression: %w", err)
	}
	return result, nil
}

func (t *transformer) getOrCompile(expression string) (*vm.Program, error) {
	t.cacheMu.RLock()
	program, ok := t.cache[expression]
	t.cacheMu.RUnlock()
	if ok {
		return program, nil
	}

	opts := append([]expr.Option{expr.AllowUndefinedVariables()}, t.envOptions...)
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	t.cacheMu.Lock()
	t.cache[expression] = program
	t.cacheMu.Unlock()
	return program, nil
}

// NewTransform returns a middleware applying expr-based payload
// rewriting. Input rules run in the before phase, output rules in the
// after phase; rules apply only to calls whose target matches one of
// their patterns. Compiled programs are cached across calls.
func NewTransform(cfg TransformConfig, priority int) (Entry, error) {
	t := newTransformer()

	// Compile everything up front so bad expressions fail at
	// configuration time, not mid-call.
	for _, rule := range cfg.Rules {
		for _, e := range rule.SetInput {
			if _, err := t.getOrCompile(e); err != nil {
				return Entry{}, fmt.Errorf("transform rule %q: %w", rule.Name, err)
			}
		}
		for _, e := range rule.SetOutput {
			if _, err := t.getOrCompile(e); err != nil {
				return Entry{}, fmt.Errorf("transform rule %q: %w", rule.Name, err)
			}
		}
	}

	apply := func(ctx *call.Context, payload map[string]any, phase string) (map[string]any, error) {
		target := executingTarget(ctx)
		out := payload
		touched := false
		for _, rule := range cfg.Rules {
			if !matchesTarget(rule.Targets, target) {
				continue
			}
			sets := rule.SetInput
			drops := rule.DropInput
			if phase == "output" {
				sets = rule.SetOutput
				drops = rule.DropOutput
			}
			if len(sets) == 0 && len(drops) == 0 {
				continue
			}
			if !touched {
				out = copyPayload(payload)
				touched = true
			}
			env := map[string]any{
				"payload":  out,
				"target":   target,
				"caller":   ctx.EffectiveCaller(),
				"trace_id": ctx.TraceID(),
			}
			for field, expression := range sets {
				value, err := t.eval(expression, env)
				if err != nil {
					return nil, fmt.Errorf("transform rule %q field %s: %w", rule.Name, field, err)
				}
				out[field] = value
			}
			for _, field := range drops {
				delete(out, field)
			}
		}
		if !touched {
			return nil, nil
		}
		return out, nil
	}

	return Entry{
		Name:     "transform",
		Priority: priority,
		Before: func(ctx *call.Context, payload map[string]any) (map[string]any, error) {
			return apply(ctx, payload, "input")
		},
		After: func(ctx *call.Context, payload map[string]any) (map[string]any, error) {
			return apply(ctx, payload, "output")
		},
	}, nil
}

// executingTarget is the module the pipeline is currently wrapping:
// the last element of the execution context's chain.
func executingTarget(ctx *call.Context) string {
	chain := ctx.Chain()
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1]
}

func matchesTarget(patterns []string, target string) bool {
	for _, p := range patterns {
		if acl.Match(p, target) {
			return true
		}
	}
	return false
}

func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
