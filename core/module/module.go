// Package module defines what a registered module is: its canonical
// id, declared contracts, behavior hints and the capability interface
// the engine invokes. The engine never inspects concrete handler
// types, only the Invoker interface.
package module

import (
	"errors"
	"fmt"

	"github.com/modgate/modgate/core/call"
	"github.com/modgate/modgate/core/contract"
	"github.com/modgate/modgate/core/identifier"
)

// Invoker is the single capability interface every module implements.
// Invoke must honor cancellation signaled through ctx; long-running
// handlers are expected to check ctx.Done() at suspension points.
type Invoker interface {
	Invoke(ctx *call.Context, input map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx *call.Context, input map[string]any) (map[string]any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx *call.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// Terminator is an optional capability for invokers that can stop an
// in-flight invocation from outside. The executor attempts forced
// termination only after cooperative cancellation and the grace period
// have both failed; invokers without this capability are simply
// abandoned after a timeout.
type Terminator interface {
	Terminate(reason string)
}

// Hints describe advisory behavior characteristics. They never affect
// execution; hosts use them for retry and display decisions.
type Hints struct {
	ReadOnly    bool `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	Destructive bool `yaml:"destructive,omitempty" json:"destructive,omitempty"`
	Idempotent  bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
}

// Definition is everything the engine knows about one module.
type Definition struct {
	ID           string
	Description  string
	InputSchema  *contract.Schema
	OutputSchema *contract.Schema
	Hints        Hints
	DependsOn    []string
	Handler      Invoker

	// OnLoad runs during registration; a failure aborts it.
	OnLoad func() error

	// OnUnload runs after the reference count drains during
	// unregistration; failures are logged, never propagated.
	OnUnload func() error
}

// Validate checks the definition is registrable.
func (d Definition) Validate() error {
	if err := identifier.Validate(d.ID); err != nil {
		return fmt.Errorf("module id: %w", err)
	}
	if d.Handler == nil {
		return errors.New("module handler must not be nil")
	}
	for _, dep := range d.DependsOn {
		if err := identifier.Validate(dep); err != nil {
			return fmt.Errorf("module %s dependency: %w", d.ID, err)
		}
	}
	return nil
}
