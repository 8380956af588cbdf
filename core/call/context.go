// Package call carries the identity and ancestry of one engine call.
// A root Context is created per top-level call; nested calls derive
// children that share the trace id, data bag and cancellation tree.
package call

import (
	"context"
	"time"

	"github.com/modgate/modgate/core/identifier"
)

// Context identifies one call in flight. It implements
// context.Context, delegating cancellation to the derived context
// tree, so it can be handed to any blocking API. Fields set at
// construction are immutable; shared mutable state lives in the Bag.
type Context struct {
	traceID  string
	callerID string
	chain    []string
	data     *Bag
	identity *Identity
	progress func(float64)

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures a root context.
type Options struct {
	// TraceID correlates the root call and everything beneath it.
	// Required; the executor generates one per top-level call.
	TraceID string

	// CallerID identifies the registered module making the call.
	// Empty means the call originates outside the engine.
	CallerID string

	// Identity describes the principal the call runs as. Optional.
	Identity *Identity

	// Progress receives progress reports from the running module.
	// Optional; installed by the async executor.
	Progress func(float64)
}

// NewRoot creates the context for a top-level call. The returned
// context is cancelled when parent is cancelled.
func NewRoot(parent context.Context, opts Options) *Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		traceID:  opts.TraceID,
		callerID: opts.CallerID,
		identity: opts.Identity,
		progress: opts.Progress,
		data:     NewBag(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Child derives the context a target module executes under: the chain
// gains the target, the target becomes the caller for any nested call
// it makes, and cancellation is linked so cancelling this context (or
// any ancestor) reaches the whole subtree. Trace id, data bag,
// identity and progress reporting are shared unchanged.
func (c *Context) Child(target string) *Context {
	chain := make([]string, len(c.chain), len(c.chain)+1)
	copy(chain, c.chain)
	chain = append(chain, target)

	ctx, cancel := context.WithCancel(c.ctx)
	return &Context{
		traceID:  c.traceID,
		callerID: target,
		chain:    chain,
		data:     c.data,
		identity: c.identity,
		progress: c.progress,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// TraceID returns the correlation id shared by the whole call tree.
func (c *Context) TraceID() string {
	return c.traceID
}

// CallerID returns the registered caller id, empty for external calls.
func (c *Context) CallerID() string {
	return c.callerID
}

// EffectiveCaller returns the caller id with the external sentinel
// substituted for an empty caller.
func (c *Context) EffectiveCaller() string {
	if c.callerID == "" {
		return identifier.External
	}
	return c.callerID
}

// Chain returns a copy of the ancestry: the ordered target ids from
// the root call down to this context.
func (c *Context) Chain() []string {
	out := make([]string, len(c.chain))
	copy(out, c.chain)
	return out
}

// Depth returns the number of calls already on the chain.
func (c *Context) Depth() int {
	return len(c.chain)
}

// Data returns the bag shared across the whole call tree.
func (c *Context) Data() *Bag {
	return c.data
}

// Identity returns the principal descriptor, nil when anonymous.
func (c *Context) Identity() *Identity {
	return c.identity
}

// ReportProgress forwards a completion fraction to whoever is watching
// this call, typically an async task record. No-op without a watcher.
func (c *Context) ReportProgress(fraction float64) {
	if c.progress != nil {
		c.progress(fraction)
	}
}

// Cancel cancels this context and every context derived from it.
func (c *Context) Cancel() {
	c.cancel()
}

// Deadline implements context.Context.
func (c *Context) Deadline() (time.Time, bool) {
	return c.ctx.Deadline()
}

// Done implements context.Context.
func (c *Context) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err implements context.Context.
func (c *Context) Err() error {
	return c.ctx.Err()
}

// Value implements context.Context.
func (c *Context) Value(key any) any {
	return c.ctx.Value(key)
}

var _ context.Context = (*Context)(nil)
