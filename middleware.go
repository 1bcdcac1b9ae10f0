package xbroker

import (
	"context"
	"fmt"
	"slices"
)

// RecoveryMiddleware turns a handler panic into an ErrHandlerPanic error
// and logs it with the context logger.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					LoggerFromContext(ctx).Error().
						Str("message_id", env.ID).
						Str("topic", env.Topic).
						Str("panic", fmt.Sprint(r)).
						Msg("xbroker: ingestion handler panic")
				}
			}()
			return next(ctx, env)
		}
	}
}

// TypeFilterMiddleware lets only envelopes of the given types reach the hub.
// An empty list passes everything.
func TypeFilterMiddleware(types ...string) Middleware {
	if len(types) == 0 {
		return func(next Handler) Handler { return next }
	}
	allowed := slices.Clone(types)
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			if !slices.Contains(allowed, env.Type) {
				return nil
			}
			return next(ctx, env)
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
