// Package script provides a JavaScript-backed module handler. Each
// call runs in a fresh goja VM so scripts share no state; cancellation
// and forced termination both arrive as VM interrupts.
package script

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/modgate/modgate/core/call"
)

// DefaultEntry is the function a script must export when no entry
// point is configured.
const DefaultEntry = "handle"

// MaxSourceBytes bounds the accepted program size.
const MaxSourceBytes = 512 * 1024

// Config describes one script-backed module handler.
type Config struct {
	// Source is the JavaScript program text.
	Source string

	// Entry is the global function invoked per call. Defaults to
	// "handle".
	Entry string
}

// Invoker runs a compiled script per call. It implements
// module.Invoker and module.Terminator.
type Invoker struct {
	log     zerolog.Logger
	program *goja.Program
	entry   string

	mu     sync.Mutex
	active map[*goja.Runtime]struct{}
}

// New compiles the script once; per-call VMs reuse the compiled
// program.
func New(cfg Config, logger zerolog.Logger) (*Invoker, error) {
	if cfg.Source == "" {
		return nil, errors.New("script source must not be empty")
	}
	if len(cfg.Source) > MaxSourceBytes {
		return nil, fmt.Errorf("script source is %d bytes, limit is %d", len(cfg.Source), MaxSourceBytes)
	}
	entry := cfg.Entry
	if entry == "" {
		entry = DefaultEntry
	}

	program, err := goja.Compile("module.js", cfg.Source, true)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	return &Invoker{
		log:     logger.With().Str("component", "script").Logger(),
		program: program,
		entry:   entry,
		active:  make(map[*goja.Runtime]struct{}),
	}, nil
}

// Invoke runs the script's entry function with the input bound as the
// global "input" object. The VM is interrupted when the call context
// is cancelled.
func (s *Invoker) Invoke(ctx *call.Context, input map[string]any) (map[string]any, error) {
	vm := goja.New()

	s.mu.Lock()
	s.active[vm] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, vm)
		s.mu.Unlock()
	}()

	// Cancellation watcher: a cancelled call context interrupts the VM
	// even mid-loop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("call cancelled")
		case <-done:
		}
	}()

	if input == nil {
		input = map[string]any{}
	}
	if err := vm.Set("input", input); err != nil {
		return nil, fmt.Errorf("bind input: %w", err)
	}
	if err := vm.Set("context", map[string]any{
		"trace_id": ctx.TraceID(),
		"caller":   ctx.EffectiveCaller(),
		"chain":    ctx.Chain(),
	}); err != nil {
		return nil, fmt.Errorf("bind context: %w", err)
	}

	console := vm.NewObject()
	console.Set("log", func(fc goja.FunctionCall) goja.Value {
		args := make([]any, len(fc.Arguments))
		for i, arg := range fc.Arguments {
			args[i] = arg.Export()
		}
		s.log.Debug().Str("trace_id", ctx.TraceID()).Msg(fmt.Sprint(args...))
		return goja.Undefined()
	})
	vm.Set("console", console)

	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}

	entryFn, ok := goja.AssertFunction(vm.Get(s.entry))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", s.entry)
	}
	result, err := entryFn(goja.Undefined())
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		return nil, fmt.Errorf("script execution: %w", err)
	}

	return exportResult(result), nil
}

// Terminate interrupts every VM currently running this script.
func (s *Invoker) Terminate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for vm := range s.active {
		vm.Interrupt(reason)
	}
	s.log.Warn().Str("reason", reason).Int("vms", len(s.active)).Msg("script terminated")
}

func exportResult(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]any{}
	}
	exported := v.Export()
	if m, ok := exported.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": exported}
}
