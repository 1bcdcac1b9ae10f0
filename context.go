package xbroker

import (
	"context"

	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	codecCtxKey  ctxKey = "xbroker:codec"
	loggerCtxKey ctxKey = "xbroker:logger"
)

// withIngestValues builds the context every ingestion handler runs with.
// Nil values are left out.
func withIngestValues(ctx context.Context, codec Codec, logger *xlog.Logger) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecCtxKey, codec)
	}
	if logger != nil {
		ctx = context.WithValue(ctx, loggerCtxKey, logger)
	}
	return ctx
}

func valueFrom[T any](ctx context.Context, key ctxKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// CodecFromContext returns the broker codec inside an ingestion handler.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	return valueFrom[Codec](ctx, codecCtxKey)
}

// LoggerFromContext returns the broker logger inside an ingestion handler.
// Middleware outside a broker falls back to xlog.Default().
func LoggerFromContext(ctx context.Context) *xlog.Logger {
	if l, ok := valueFrom[*xlog.Logger](ctx, loggerCtxKey); ok {
		return l
	}
	return xlog.Default()
}
