package xbroker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *Envelope) error {
				trace = append(trace, name)
				return next(ctx, env)
			}
		}
	}
	h := Chain(func(context.Context, *Envelope) error {
		trace = append(trace, "handler")
		return nil
	}, tag("first"), nil, tag("second"))

	require.NoError(t, h(context.Background(), &Envelope{}))
	assert.Equal(t, []string{"first", "second", "handler"}, trace)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(func(context.Context, *Envelope) error {
		panic("boom")
	}, RecoveryMiddleware())

	err := h(context.Background(), &Envelope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestRecoveryMiddlewareLogsWithContextLogger(t *testing.T) {
	logger := xlog.Default().With(xlog.Str("component", "ingest-test"))
	ctx := withIngestValues(context.Background(), JSONCodec{}, logger)
	require.Same(t, logger, LoggerFromContext(ctx))

	h := Chain(func(context.Context, *Envelope) error {
		panic("handler exploded")
	}, RecoveryMiddleware())

	err := h(ctx, &Envelope{ID: "m-1", Topic: "orders"})
	assert.ErrorIs(t, err, ErrHandlerPanic)

	assert.NotNil(t, LoggerFromContext(context.Background()), "falls back to the default logger")
}

func TestTypeFilterMiddleware(t *testing.T) {
	var seen []string
	h := Chain(func(_ context.Context, env *Envelope) error {
		seen = append(seen, env.Type)
		return nil
	}, TypeFilterMiddleware("OrderPlaced", "OrderCancelled"))

	for _, typ := range []string{"OrderPlaced", "Heartbeat", "OrderCancelled"} {
		require.NoError(t, h(context.Background(), &Envelope{Type: typ}))
	}
	assert.Equal(t, []string{"OrderPlaced", "OrderCancelled"}, seen)

	passAll := Chain(func(context.Context, *Envelope) error { return nil }, TypeFilterMiddleware())
	assert.NoError(t, passAll(context.Background(), &Envelope{Type: "anything"}))
}
