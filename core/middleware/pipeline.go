// Package middleware provides the layered interception pipeline around
// module invocation. Before hooks run in descending priority order,
// after hooks in ascending order, so the highest-priority middleware is
// the outermost layer of the onion. Failures move the pipeline into
// error handling, where on-error hooks may substitute a result.
package middleware

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/modgate/modgate/core/call"
)

// Hook transforms the payload flowing through one phase. Returning a
// nil map passes the payload through unchanged.
type Hook func(ctx *call.Context, payload map[string]any) (map[string]any, error)

// ErrorHook inspects a pipeline failure. Returning a non-nil map
// substitutes it as the call result and ends error propagation; a hook
// error is logged and the remaining hooks still run.
type ErrorHook func(ctx *call.Context, payload map[string]any, cause error) (map[string]any, error)

// Invoke is the operation the pipeline wraps, normally the module
// invocation plus output validation.
type Invoke func(ctx *call.Context, input map[string]any) (map[string]any, error)

// Entry is one installed middleware. Instances are shared across
// concurrent calls: hooks must keep per-call state in the call
// context's data bag, never in captured variables.
type Entry struct {
	Name     string
	Priority int
	Before   Hook
	After    Hook
	OnError  ErrorHook
}

// Pipeline is a synchronized ordered middleware set.
type Pipeline struct {
	log zerolog.Logger

	mu      sync.RWMutex
	entries []Entry // kept sorted: priority descending, insertion order within ties
}

// New creates an empty pipeline.
func New(logger zerolog.Logger) *Pipeline {
	return &Pipeline{log: logger.With().Str("component", "middleware").Logger()}
}

// Use installs a middleware. Entries with equal priority keep their
// installation order.
func (p *Pipeline) Use(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].Priority > p.entries[j].Priority
	})
	p.log.Debug().Str("middleware", e.Name).Int("priority", e.Priority).Msg("middleware installed")
}

// Remove uninstalls every middleware with the given name.
func (p *Pipeline) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	p.entries = kept
}

// Names returns the installed middleware names in execution order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Name
	}
	return out
}

// state is one position in the pipeline's failure state machine.
type state int

const (
	stateInit state = iota
	stateBefore
	stateExecuting
	stateAfter
	stateErrorHandling
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateBefore:
		return "before"
	case stateExecuting:
		return "executing"
	case stateAfter:
		return "after"
	case stateErrorHandling:
		return "error_handling"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// legal transitions of the failure state machine. Any phase except
// done may fail into error handling; error handling always ends the
// run.
var transitions = map[state][]state{
	stateInit:          {stateBefore},
	stateBefore:        {stateExecuting, stateErrorHandling},
	stateExecuting:     {stateAfter, stateErrorHandling},
	stateAfter:         {stateDone, stateErrorHandling},
	stateErrorHandling: {stateDone},
}

// machine tracks the phase of one Execute run. It is per-call and
// needs no locking.
type machine struct {
	current state
}

func (m *machine) to(next state) {
	for _, s := range transitions[m.current] {
		if s == next {
			m.current = next
			return
		}
	}
	// A bad transition is an engine bug, not a caller error.
	panic(fmt.Sprintf("middleware: illegal transition %s -> %s", m.current, next))
}

// Execute runs the full interception chain around invoke: before hooks
// in descending priority order, the invocation, then after hooks in
// ascending order. The first failure in any phase moves to error
// handling; a failing after hook skips the remaining after hooks.
// On-error hooks run in ascending priority order and may substitute a
// result, which Execute returns as success.
func (p *Pipeline) Execute(ctx *call.Context, input map[string]any, invoke Invoke) (map[string]any, error) {
	p.mu.RLock()
	entries := make([]Entry, len(p.entries))
	copy(entries, p.entries)
	p.mu.RUnlock()

	m := &machine{current: stateInit}
	payload := input

	m.to(stateBefore)
	for i := range entries {
		if entries[i].Before == nil {
			continue
		}
		out, err := entries[i].Before(ctx, payload)
		if err != nil {
			return p.handleError(ctx, m, entries, payload,
				fmt.Errorf("middleware %s before: %w", entries[i].Name, err))
		}
		if out != nil {
			payload = out
		}
	}

	m.to(stateExecuting)
	result, err := invoke(ctx, payload)
	if err != nil {
		return p.handleError(ctx, m, entries, payload, err)
	}

	m.to(stateAfter)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].After == nil {
			continue
		}
		out, err := entries[i].After(ctx, result)
		if err != nil {
			return p.handleError(ctx, m, entries, result,
				fmt.Errorf("middleware %s after: %w", entries[i].Name, err))
		}
		if out != nil {
			result = out
		}
	}

	m.to(stateDone)
	return result, nil
}

// handleError drives the error-handling phase: on-error hooks in
// reverse priority order, first substitute wins, hook failures logged
// and skipped.
func (p *Pipeline) handleError(ctx *call.Context, m *machine, entries []Entry, payload map[string]any, cause error) (map[string]any, error) {
	m.to(stateErrorHandling)

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].OnError == nil {
			continue
		}
		substitute, err := entries[i].OnError(ctx, payload, cause)
		if err != nil {
			p.log.Warn().
				Err(err).
				Str("middleware", entries[i].Name).
				Str("trace_id", ctx.TraceID()).
				Msg("on-error hook failed")
			continue
		}
		if substitute != nil {
			p.log.Debug().
				Str("middleware", entries[i].Name).
				Str("trace_id", ctx.TraceID()).
				Msg("error suppressed by substitute result")
			m.to(stateDone)
			return substitute, nil
		}
	}

	m.to(stateDone)
	return nil, cause
}
