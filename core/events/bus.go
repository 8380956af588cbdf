// Package events provides the engine's lifecycle event bus. Registry
// and executor publish module and task transitions; hosts subscribe to
// drive metrics, cache invalidation or their own bookkeeping.
package events

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Engine event names.
const (
	ModuleRegistered   = "module.registered"
	ModuleReplaced     = "module.replaced"
	ModuleUnregistered = "module.unregistered"
	ModuleDrainTimeout = "module.drain_timeout"
	TaskPending        = "task.pending"
	TaskRunning        = "task.running"
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
	TaskCancelled      = "task.cancelled"
	PolicySwapped      = "policy.swapped"
)

// Event is one lifecycle notification.
type Event struct {
	// Name identifies the transition, e.g. "module.registered".
	Name string

	// ModuleID is the canonical id of the module concerned, when any.
	ModuleID string

	// TraceID correlates task events with the call that spawned them.
	TraceID string

	// Data carries transition-specific payload.
	Data map[string]any
}

// Handler processes one event. Handler errors are logged and never
// interrupt publishing.
type Handler func(ctx context.Context, event Event) error

// Bus is a synchronous publish/subscribe fan-out. Subscriptions
// support exact names ("module.registered"), prefix wildcards
// ("module.*", any depth below the prefix) and the global wildcard
// ("*").
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a name or wildcard pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
}

// Publish delivers an event to every matching handler, synchronously,
// in a deterministic order: exact subscribers first, then prefix
// wildcards (sorted), then global subscribers. A failing handler is
// logged and the remaining handlers still run.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	matched := b.match(event.Name)
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	b.logger.Debug().
		Str("event", event.Name).
		Str("module_id", event.ModuleID).
		Msg("event published")

	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Msg("event handler error")
		}
	}
}

// PublishAsync delivers the event from a separate goroutine and
// returns immediately.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	go b.Publish(ctx, event)
}

// HasSubscribers reports whether any handler would receive the event.
func (b *Bus) HasSubscribers(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.match(name)) > 0
}

// match collects handlers under the read lock.
func (b *Bus) match(name string) []Handler {
	var matched []Handler
	matched = append(matched, b.handlers[name]...)

	var prefixes []string
	for pattern := range b.handlers {
		if pattern == "*" || pattern == name || !strings.HasSuffix(pattern, ".*") {
			continue
		}
		if strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
			prefixes = append(prefixes, pattern)
		}
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		matched = append(matched, b.handlers[p]...)
	}

	matched = append(matched, b.handlers["*"]...)
	return matched
}
