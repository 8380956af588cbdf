// Package registry holds the live module table: registration with
// conflict detection, lookup, and reference-counted safe unregister.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/modgate/modgate/core/acl"
	"github.com/modgate/modgate/core/events"
	"github.com/modgate/modgate/core/identifier"
	"github.com/modgate/modgate/core/module"
)

// DefaultDrainTimeout bounds how long Unregister waits for in-flight
// calls to release a module.
const DefaultDrainTimeout = 30 * time.Second

var (
	// ErrNotFound is returned when no module with the given id exists.
	ErrNotFound = errors.New("module not found")

	// ErrDuplicateID is returned when the exact id is already registered.
	ErrDuplicateID = errors.New("module id already registered")

	// ErrReservedID is returned when an id contains a reserved segment.
	ErrReservedID = errors.New("module id uses a reserved segment")

	// ErrDrainTimeout is returned when in-flight calls did not release a
	// module within the drain window. The module is already removed from
	// lookup, but its unload hook has not run.
	ErrDrainTimeout = errors.New("unregister drain timed out")
)

// entry is the registry's record for one module. Releases reference the
// entry directly, so it outlives its map slot while calls drain.
type entry struct {
	def       module.Definition
	refs      int
	unloading bool
	drained   chan struct{} // non-nil while an unregister waits on refs
}

// Options configures a Registry.
type Options struct {
	Logger zerolog.Logger
	Bus    *events.Bus // optional, lifecycle events are skipped when nil

	// DrainTimeout bounds Unregister's wait for in-flight calls.
	// Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
}

// Registry is the concurrency-safe module table.
type Registry struct {
	log          zerolog.Logger
	bus          *events.Bus
	drainTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Registry{
		log:          opts.Logger.With().Str("component", "registry").Logger(),
		bus:          opts.Bus,
		drainTimeout: opts.DrainTimeout,
		entries:      make(map[string]*entry),
	}
}

// Register validates a definition and adds it to the table. Exact
// duplicates and reserved segments fail; a case-insensitive collision
// with another id is logged and allowed. The load hook runs before the
// module becomes visible and must not call back into the registry.
func (r *Registry) Register(def module.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkConflicts(def.ID); err != nil {
		return err
	}
	if err := r.runLoadHook(def); err != nil {
		return err
	}
	r.insert(def)

	r.publish(context.Background(), events.Event{Name: events.ModuleRegistered, ModuleID: def.ID})
	return nil
}

// Failure records one definition a batch could not register.
type Failure struct {
	ID  string
	Err error
}

// Report summarizes a batch registration.
type Report struct {
	Registered []string
	Failed     []Failure
	Warnings   []identifier.Conflict
}

// Ok reports whether every definition in the batch registered.
func (rep Report) Ok() bool { return len(rep.Failed) == 0 }

// RegisterBatch registers a discovery batch in order. Conflicts are
// checked across the batch as well as against the existing table, so
// two definitions claiming the same id fail on the second. Valid
// definitions register even when siblings fail.
func (r *Registry) RegisterBatch(defs []module.Definition) Report {
	var rep Report

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := r.ids()
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			rep.Failed = append(rep.Failed, Failure{ID: def.ID, Err: err})
			continue
		}
		conflicts := identifier.CheckConflicts(def.ID, seen)
		if identifier.HasFatal(conflicts) {
			rep.Failed = append(rep.Failed, Failure{ID: def.ID, Err: conflictError(conflicts)})
			continue
		}
		for _, c := range conflicts {
			r.log.Warn().Str("module", c.Candidate).Str("existing", c.Existing).Msg("case-insensitive id collision")
			rep.Warnings = append(rep.Warnings, c)
		}
		if err := r.runLoadHook(def); err != nil {
			rep.Failed = append(rep.Failed, Failure{ID: def.ID, Err: err})
			continue
		}
		r.insert(def)
		seen = append(seen, def.ID)
		rep.Registered = append(rep.Registered, def.ID)
		r.publish(context.Background(), events.Event{Name: events.ModuleRegistered, ModuleID: def.ID})
	}
	return rep
}

// Replace swaps the definition of an already-registered id in place.
// The reference count carries over; in-flight calls finish on the
// definition they acquired. The new load hook runs before the swap,
// the old unload hook after, with its failures logged only.
func (r *Registry) Replace(def module.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[def.ID]
	if !ok {
		return fmt.Errorf("replace %s: %w", def.ID, ErrNotFound)
	}
	if err := r.runLoadHook(def); err != nil {
		return err
	}
	old := e.def
	e.def = def
	r.runUnloadHook(old)

	r.publish(context.Background(), events.Event{Name: events.ModuleReplaced, ModuleID: def.ID})
	return nil
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (module.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return module.Definition{}, false
	}
	return e.def, true
}

// List returns all registered definitions sorted by id.
func (r *Registry) List() []module.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]module.Definition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListMatching returns the definitions whose ids match the wildcard
// pattern, sorted by id.
func (r *Registry) ListMatching(pattern string) []module.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []module.Definition
	for id, e := range r.entries {
		if acl.Match(pattern, id) {
			out = append(out, e.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Acquire takes a reference on a module for the duration of one call.
// The release function must be called exactly once on every exit path;
// it is safe to call from any goroutine.
func (r *Registry) Acquire(id string) (module.Definition, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return module.Definition{}, nil, fmt.Errorf("acquire %s: %w", id, ErrNotFound)
	}
	e.refs++
	return e.def, func() { r.release(id, e) }, nil
}

func (r *Registry) release(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs < 0 {
		r.log.Warn().Str("module", id).Msg("release without matching acquire")
		e.refs = 0
	}
	if e.refs == 0 && e.unloading && e.drained != nil {
		close(e.drained)
		e.drained = nil
	}
}

// Unregister removes a module. The id disappears from lookup at once,
// so new calls fail fast, then Unregister waits for in-flight calls to
// drain before running the unload hook. Unregistering an absent id is
// a no-op success. On drain timeout the unload hook does not run and
// ErrDrainTimeout is returned.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		r.log.Debug().Str("module", id).Msg("unregister of absent module")
		return nil
	}
	delete(r.entries, id)
	e.unloading = true
	var drained chan struct{}
	if e.refs > 0 {
		drained = make(chan struct{})
		e.drained = drained
	}
	r.mu.Unlock()

	if drained != nil {
		timer := time.NewTimer(r.drainTimeout)
		defer timer.Stop()
		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("unregister %s: %w", id, ctx.Err())
		case <-timer.C:
			r.mu.Lock()
			holders := e.refs
			r.mu.Unlock()
			r.log.Error().Str("module", id).Int("holders", holders).
				Dur("waited", r.drainTimeout).Msg("drain timed out")
			r.publish(ctx, events.Event{
				Name:     events.ModuleDrainTimeout,
				ModuleID: id,
				Data:     map[string]any{"holders": holders},
			})
			return fmt.Errorf("unregister %s after %s with %d holders: %w",
				id, r.drainTimeout, holders, ErrDrainTimeout)
		}
	}

	r.runUnloadHook(e.def)
	r.publish(ctx, events.Event{Name: events.ModuleUnregistered, ModuleID: id})
	return nil
}

// checkConflicts must be called with the write lock held.
func (r *Registry) checkConflicts(id string) error {
	conflicts := identifier.CheckConflicts(id, r.ids())
	if identifier.HasFatal(conflicts) {
		return conflictError(conflicts)
	}
	for _, c := range conflicts {
		r.log.Warn().Str("module", c.Candidate).Str("existing", c.Existing).Msg("case-insensitive id collision")
	}
	return nil
}

func conflictError(conflicts []identifier.Conflict) error {
	for _, c := range conflicts {
		if !c.Fatal {
			continue
		}
		switch c.Kind {
		case identifier.ConflictReserved:
			return fmt.Errorf("%s: %w", c, ErrReservedID)
		default:
			return fmt.Errorf("%s: %w", c, ErrDuplicateID)
		}
	}
	return nil
}

// ids must be called with the lock held.
func (r *Registry) ids() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

func (r *Registry) insert(def module.Definition) {
	r.entries[def.ID] = &entry{def: def}
	r.log.Info().Str("module", def.ID).Msg("module registered")
}

func (r *Registry) runLoadHook(def module.Definition) error {
	if def.OnLoad == nil {
		return nil
	}
	if err := def.OnLoad(); err != nil {
		return fmt.Errorf("load hook for %s: %w", def.ID, err)
	}
	return nil
}

func (r *Registry) runUnloadHook(def module.Definition) {
	if def.OnUnload == nil {
		return
	}
	if err := def.OnUnload(); err != nil {
		r.log.Warn().Err(err).Str("module", def.ID).Msg("unload hook failed")
	}
}

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, ev)
}
