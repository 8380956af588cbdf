// Package runtime orchestrates one module call end to end: call-chain
// guarding, authorization, contract validation, middleware
// interception, invocation with cooperative timeouts, async task
// lifecycle and error normalization.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/modgate/modgate/core/acl"
	"github.com/modgate/modgate/core/call"
	"github.com/modgate/modgate/core/contract"
	"github.com/modgate/modgate/core/events"
	"github.com/modgate/modgate/core/middleware"
	"github.com/modgate/modgate/core/module"
	"github.com/modgate/modgate/core/registry"
	"github.com/modgate/modgate/ports"
)

// Defaults for the executor's guard and timeout knobs.
const (
	DefaultMaxDepth    = 32
	DefaultMaxRepeat   = 3
	DefaultCallTimeout = 30 * time.Second
	DefaultGrace       = 2 * time.Second
)

// Metrics receives executor instrumentation. Implemented by
// adapters/metrics; nil disables collection.
type Metrics interface {
	CallStarted(target string)
	CallFinished(target string, code string, duration time.Duration)
	Timeout(target string, mode string)
	TaskTransition(state string)
}

// Options wires an Executor. Registry, ACL, Pipeline, Clock and IDGen
// are required; Metrics and Bus are optional.
type Options struct {
	Registry *registry.Registry
	ACL      *acl.Engine
	Pipeline *middleware.Pipeline
	Resolver *contract.Resolver
	Clock    ports.Clock
	IDGen    ports.IDGenerator
	Logger   zerolog.Logger
	Metrics  Metrics
	Bus      *events.Bus

	// MaxDepth bounds the call chain length. Zero means 32.
	MaxDepth int

	// MaxRepeat bounds how often one id may appear in a chain. Zero
	// means 3.
	MaxRepeat int

	// CallTimeout is the deadline spanning the before-hooks through
	// the after-hooks of one call. Zero means 30s.
	CallTimeout time.Duration

	// Grace is how long an expired call may keep running after the
	// cancellation signal before termination is forced. Zero means 2s.
	Grace time.Duration
}

// Executor processes calls against the registry under the active
// policy. One executor serves many concurrent calls; nested calls
// recurse through the same instance.
type Executor struct {
	log       zerolog.Logger
	registry  *registry.Registry
	acl       *acl.Engine
	pipeline  *middleware.Pipeline
	validator *contract.Validator
	clock     ports.Clock
	idgen     ports.IDGenerator
	metrics   Metrics
	bus       *events.Bus

	maxDepth    int
	maxRepeat   int
	callTimeout time.Duration
	grace       time.Duration

	tasks *taskTable
}

// New creates an executor.
func New(opts Options) (*Executor, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("executor: registry is required")
	case opts.ACL == nil:
		return nil, errors.New("executor: acl engine is required")
	case opts.Pipeline == nil:
		return nil, errors.New("executor: middleware pipeline is required")
	case opts.Clock == nil:
		return nil, errors.New("executor: clock is required")
	case opts.IDGen == nil:
		return nil, errors.New("executor: id generator is required")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxRepeat <= 0 {
		opts.MaxRepeat = DefaultMaxRepeat
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &Executor{
		log:         opts.Logger.With().Str("component", "executor").Logger(),
		registry:    opts.Registry,
		acl:         opts.ACL,
		pipeline:    opts.Pipeline,
		validator:   contract.New(opts.Resolver),
		clock:       opts.Clock,
		idgen:       opts.IDGen,
		metrics:     opts.Metrics,
		bus:         opts.Bus,
		maxDepth:    opts.MaxDepth,
		maxRepeat:   opts.MaxRepeat,
		callTimeout: opts.CallTimeout,
		grace:       opts.Grace,
		tasks:       newTaskTable(),
	}, nil
}

// Call invokes target synchronously. When ctx is a *call.Context the
// call is nested: it extends the caller's chain and shares its trace
// id, data bag and cancellation tree. Any other context starts a fresh
// root call. Failures are always *Envelope.
func (e *Executor) Call(ctx context.Context, target string, input map[string]any) (map[string]any, error) {
	cc := e.callerContext(ctx)
	return e.call(cc, target, input)
}

// callerContext adapts the incoming context into the caller's call
// context, minting a new root for external callers.
func (e *Executor) callerContext(ctx context.Context) *call.Context {
	if cc, ok := ctx.(*call.Context); ok {
		return cc
	}
	return call.NewRoot(ctx, call.Options{TraceID: e.idgen.New()})
}

// call runs the full per-call sequence, short-circuiting on the first
// failure. Every return path goes through normalize.
func (e *Executor) call(cc *call.Context, target string, input map[string]any) (map[string]any, error) {
	start := e.clock.Now()
	if e.metrics != nil {
		e.metrics.CallStarted(target)
	}

	out, err := e.callInner(cc, target, input)

	code := ""
	if err != nil {
		env := e.normalize(err, cc, target)
		code = string(env.Code)
		err = env
	}
	if e.metrics != nil {
		e.metrics.CallFinished(target, code, e.clock.Now().Sub(start))
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) callInner(cc *call.Context, target string, input map[string]any) (map[string]any, error) {
	// 1. Call-chain guard: depth, then cycle, then frequency. All
	// policy steps run without suspending.
	if v := e.guardChain(cc.Chain(), target); v != nil {
		return nil, v
	}

	// 2. Authorization.
	decision := e.acl.Evaluate(cc.EffectiveCaller(), target)
	if !decision.Allowed() {
		denied := &DeniedError{Caller: decision.Caller, Target: target}
		if decision.Rule != nil {
			denied.Rule = decision.Rule.Name
		}
		e.log.Debug().
			Str("trace_id", cc.TraceID()).
			Str("decision", decision.String()).
			Msg("call denied")
		return nil, denied
	}

	// Reference held from here until the invocation goroutine exits,
	// whatever the exit path.
	def, release, err := e.registry.Acquire(target)
	if err != nil {
		return nil, err
	}

	// 3. Input validation.
	if err := e.validate(input, def.InputSchema, "input"); err != nil {
		release()
		return nil, err
	}

	// 4-7. Middleware chains around the invocation, bounded by the
	// call deadline.
	execCtx := cc.Child(target)
	return e.run(execCtx, def, input, release)
}

// guardChain enforces the depth, cycle and frequency bounds, in that
// order. Direct self-recursion (target equals the immediate caller) is
// exempt from the cycle check and bounded by the repeat limit instead;
// a cycle hit skips the frequency check entirely.
func (e *Executor) guardChain(chain []string, target string) *ChainViolation {
	if len(chain)+1 > e.maxDepth {
		return &ChainViolation{Kind: ViolationDepth, Target: target, Chain: chain, Limit: e.maxDepth}
	}

	occurrences := 0
	for _, id := range chain {
		if id == target {
			occurrences++
		}
	}
	selfRecursion := len(chain) > 0 && chain[len(chain)-1] == target
	if occurrences > 0 && !selfRecursion {
		return &ChainViolation{Kind: ViolationCycle, Target: target, Chain: chain, Limit: e.maxDepth}
	}
	if occurrences >= e.maxRepeat {
		return &ChainViolation{Kind: ViolationRepeat, Target: target, Chain: chain, Limit: e.maxRepeat}
	}
	return nil
}

// ContractFailure is the narrow error a contract violation raises.
type ContractFailure struct {
	Direction string // "input" or "output"
	Result    contract.Result
}

func (e *ContractFailure) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Direction, e.Result.Error())
}

func (e *Executor) validate(value map[string]any, schema *contract.Schema, direction string) error {
	if schema == nil {
		return nil
	}
	res, err := e.validator.Validate(value, schema)
	if err != nil {
		// Unresolvable contract references are a configuration
		// problem, not the caller's.
		return err
	}
	if !res.Valid {
		return &ContractFailure{Direction: direction, Result: res}
	}
	return nil
}

type outcome struct {
	out map[string]any
	err error
}

// run executes the middleware pipeline plus invocation in a worker
// goroutine so a single blocking operation is presented to the caller,
// and enforces the call deadline across the whole hook window. The
// worker owns the registry release.
func (e *Executor) run(execCtx *call.Context, def module.Definition, input map[string]any, release func()) (map[string]any, error) {
	done := make(chan outcome, 1)

	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("module", def.ID).
					Str("trace_id", execCtx.TraceID()).
					Interface("panic", r).
					Msg("handler panicked")
				done <- outcome{err: &panicFailure{value: r}}
			}
		}()

		out, err := e.pipeline.Execute(execCtx, input, func(ctx *call.Context, in map[string]any) (map[string]any, error) {
			// 5. Invocation. 6. Output validation.
			res, err := def.Handler.Invoke(ctx, in)
			if err != nil {
				return nil, err
			}
			if verr := e.validate(res, def.OutputSchema, "output"); verr != nil {
				return nil, verr
			}
			return res, nil
		})
		done <- outcome{out: out, err: err}
	}()

	timer := time.NewTimer(e.callTimeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.out, o.err
	case <-timer.C:
	}

	// Deadline expired: signal cooperative cancellation and give the
	// handler a bounded grace period to exit cleanly.
	execCtx.Cancel()
	graceTimer := time.NewTimer(e.grace)
	defer graceTimer.Stop()

	select {
	case o := <-done:
		// Clean exit within grace keeps its own result or error.
		return o.out, o.err
	case <-graceTimer.C:
	}

	mode := "cooperative"
	if term, ok := def.Handler.(module.Terminator); ok {
		term.Terminate("call deadline exceeded")
		mode = "forced"
	} else {
		e.log.Warn().
			Str("module", def.ID).
			Str("trace_id", execCtx.TraceID()).
			Msg("forced termination unsupported by handler, abandoning call")
	}
	if e.metrics != nil {
		e.metrics.Timeout(def.ID, mode)
	}
	return nil, &TimeoutFailure{Target: def.ID, Timeout: e.callTimeout, Mode: mode}
}

// normalize wraps any failure into an Envelope. An error that already
// is an envelope gets the target appended to its chain instead of
// being wrapped again.
func (e *Executor) normalize(err error, cc *call.Context, target string) *Envelope {
	var env *Envelope
	if errors.As(err, &env) {
		env.appendTarget(target)
		return env
	}

	chain := append(cc.Chain(), target)
	out := &Envelope{
		Code:      e.classify(err),
		Message:   err.Error(),
		TraceID:   cc.TraceID(),
		Target:    target,
		Chain:     chain,
		Timestamp: e.clock.Now().UTC(),
		cause:     err,
	}

	switch f := err.(type) {
	case *ChainViolation:
		out.Details = map[string]any{"kind": string(f.Kind), "limit": f.Limit}
	case *DeniedError:
		out.Details = map[string]any{"caller": f.Caller, "rule": f.Rule}
	case *ContractFailure:
		out.Details = map[string]any{"direction": f.Direction, "errors": f.Result.Errors}
	case *TimeoutFailure:
		out.Details = map[string]any{"mode": f.Mode, "timeout": f.Timeout.String()}
	}
	return out
}

func (e *Executor) classify(err error) Code {
	var (
		violation *ChainViolation
		denied    *DeniedError
		contractF *ContractFailure
		timeoutF  *TimeoutFailure
		resolveF  *contract.ResolveError
		panicF    *panicFailure
	)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &violation):
		return CodeCallChainViolation
	case errors.As(err, &denied):
		return CodeAuthorizationDenied
	case errors.As(err, &contractF):
		return CodeValidation
	case errors.As(err, &timeoutF):
		return CodeTimeout
	case errors.As(err, &resolveF):
		return CodeConfiguration
	case errors.As(err, &panicF):
		return CodeInternal
	default:
		return CodeExecution
	}
}
