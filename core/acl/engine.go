package acl

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/modgate/modgate/core/identifier"
)

// Engine evaluates the active policy. Readers never observe a
// partially updated rule list: Swap compiles a full replacement and
// publishes it with a single atomic store.
type Engine struct {
	logger zerolog.Logger
	policy atomic.Pointer[compiledPolicy]
}

type compiledPolicy struct {
	rules         []compiledRule // sorted: priority desc, deny first, definition order
	defaultEffect Effect
	source        Policy
}

type compiledRule struct {
	rule    Rule
	callers []*pattern
	targets []*pattern
}

// New creates an engine with an initial policy.
func New(policy Policy, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger}
	if err := e.Swap(policy); err != nil {
		return nil, err
	}
	return e, nil
}

// Swap validates and compiles a new policy, then atomically replaces
// the active one.
func (e *Engine) Swap(policy Policy) error {
	compiled, err := compile(policy)
	if err != nil {
		return err
	}
	e.policy.Store(compiled)
	e.logger.Info().
		Int("rules", len(compiled.rules)).
		Str("default_effect", string(compiled.defaultEffect)).
		Msg("policy swapped")
	return nil
}

// Policy returns a copy of the active policy source.
func (e *Engine) Policy() Policy {
	p := e.policy.Load()
	if p == nil {
		return Policy{DefaultEffect: Deny}
	}
	out := p.source
	out.Rules = append([]Rule(nil), p.source.Rules...)
	return out
}

// Evaluate decides whether caller may invoke target. An empty caller
// stands for a call originating outside the engine and maps to the
// external sentinel id. The first matching rule in compiled order
// wins; absent a match the policy default applies.
func (e *Engine) Evaluate(caller, target string) Decision {
	if caller == "" {
		caller = identifier.External
	}
	p := e.policy.Load()
	if p == nil {
		return Decision{Effect: Deny, Caller: caller, Target: target, Default: true}
	}
	for i := range p.rules {
		cr := &p.rules[i]
		if matchAny(cr.callers, caller) && matchAny(cr.targets, target) {
			return Decision{Effect: cr.rule.Effect, Rule: &cr.rule, Caller: caller, Target: target}
		}
	}
	return Decision{Effect: p.defaultEffect, Caller: caller, Target: target, Default: true}
}

func compile(policy Policy) (*compiledPolicy, error) {
	def := policy.DefaultEffect
	if def == "" {
		def = Deny
	}
	if !def.Valid() {
		return nil, fmt.Errorf("invalid default effect %q", policy.DefaultEffect)
	}

	ordered := make([]Rule, len(policy.Rules))
	copy(ordered, policy.Rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Effect == Deny && ordered[j].Effect == Allow
	})

	rules := make([]compiledRule, 0, len(ordered))
	for i, r := range ordered {
		if !r.Effect.Valid() {
			return nil, fmt.Errorf("rule %d (%q): invalid effect %q", i, r.Name, r.Effect)
		}
		if len(r.Callers) == 0 || len(r.Targets) == 0 {
			return nil, fmt.Errorf("rule %d (%q): callers and targets must not be empty", i, r.Name)
		}
		cr := compiledRule{rule: r}
		for _, p := range r.Callers {
			m, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%q): caller pattern %q: %w", i, r.Name, p, err)
			}
			cr.callers = append(cr.callers, m)
		}
		for _, p := range r.Targets {
			m, err := compilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%q): target pattern %q: %w", i, r.Name, p, err)
			}
			cr.targets = append(cr.targets, m)
		}
		rules = append(rules, cr)
	}

	return &compiledPolicy{rules: rules, defaultEffect: def, source: policy}, nil
}

func matchAny(ms []*pattern, id string) bool {
	for _, m := range ms {
		if m.match(id) {
			return true
		}
	}
	return false
}
