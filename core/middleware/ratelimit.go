package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/modgate/modgate/core/call"
	"github.com/modgate/modgate/ports"
)

// RateLimitConfig configures the per-caller fixed-window limiter.
type RateLimitConfig struct {
	Limit       int           `yaml:"limit" json:"limit"`
	Window      time.Duration `yaml:"window" json:"window"`
	BurstTokens int           `yaml:"burst_tokens,omitempty" json:"burst_tokens,omitempty"`
}

// RateLimitError is the failure a limited call surfaces.
type RateLimitError struct {
	Caller  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for caller %s, resets at %s", e.Caller, e.ResetAt.Format(time.RFC3339))
}

// windowState tracks one caller's current window.
type windowState struct {
	count     int
	windowEnd time.Time
	burstUsed int
}

// check advances the window state for one call attempt. Pure over
// (state, cfg, now); the caller persists the returned state.
func check(state windowState, cfg RateLimitConfig, now time.Time) (allowed bool, next windowState) {
	windowEnd := now.Truncate(cfg.Window).Add(cfg.Window)

	if now.After(state.windowEnd) || state.windowEnd.IsZero() {
		state = windowState{windowEnd: windowEnd}
	}

	if state.count < cfg.Limit {
		state.count++
		return true, state
	}
	if state.burstUsed < cfg.BurstTokens {
		state.count++
		state.burstUsed++
		return true, state
	}
	return false, state
}

// NewRateLimit returns a middleware limiting calls per effective
// caller over a fixed window, with optional burst tokens on top of the
// base limit. State is guarded; the window arithmetic itself is pure.
func NewRateLimit(cfg RateLimitConfig, clock ports.Clock, priority int) Entry {
	var mu sync.Mutex
	windows := make(map[string]windowState)

	return Entry{
		Name:     "ratelimit",
		Priority: priority,
		Before: func(ctx *call.Context, payload map[string]any) (map[string]any, error) {
			caller := ctx.EffectiveCaller()
			now := clock.Now()

			mu.Lock()
			allowed, next := check(windows[caller], cfg, now)
			windows[caller] = next
			mu.Unlock()

			if !allowed {
				return nil, &RateLimitError{Caller: caller, ResetAt: next.windowEnd}
			}
			return nil, nil
		},
	}
}
