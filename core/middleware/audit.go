package middleware

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/modgate/modgate/core/call"
	"github.com/modgate/modgate/ports"
)

// NewAudit returns a middleware that logs every call with its outcome
// and duration. Start times are kept in the call data bag keyed by
// depth, so nested calls through the same pipeline do not clobber each
// other.
func NewAudit(logger zerolog.Logger, clock ports.Clock, priority int) Entry {
	log := logger.With().Str("middleware", "audit").Logger()

	startKey := func(ctx *call.Context) string {
		return fmt.Sprintf("audit.start.%d", ctx.Depth())
	}

	return Entry{
		Name:     "audit",
		Priority: priority,
		Before: func(ctx *call.Context, payload map[string]any) (map[string]any, error) {
			ctx.Data().Set(startKey(ctx), clock.Now())
			log.Info().
				Str("trace_id", ctx.TraceID()).
				Str("caller", ctx.EffectiveCaller()).
				Strs("chain", ctx.Chain()).
				Msg("call started")
			return nil, nil
		},
		After: func(ctx *call.Context, payload map[string]any) (map[string]any, error) {
			ev := log.Info().
				Str("trace_id", ctx.TraceID()).
				Strs("chain", ctx.Chain())
			if v, ok := ctx.Data().Get(startKey(ctx)); ok {
				if start, ok := v.(time.Time); ok {
					ev = ev.Dur("duration", clock.Now().Sub(start))
				}
			}
			ev.Msg("call completed")
			return nil, nil
		},
		OnError: func(ctx *call.Context, payload map[string]any, cause error) (map[string]any, error) {
			log.Warn().
				Err(cause).
				Str("trace_id", ctx.TraceID()).
				Strs("chain", ctx.Chain()).
				Msg("call failed")
			return nil, nil
		},
	}
}
