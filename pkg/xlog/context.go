package xlog

import (
	"context"
)

// C is a short alias of FromContext.
var C = FromContext

type contextKey struct{}

// FromContext gets the Logger from context, falling back to the default one.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, ok := ctx.Value(contextKey{}).(*Logger)
	if !ok {
		logger = Default()
	}
	return logger
}

// WithContext injects a Logger carrying the given attributes into the context
// and returns the child context.
func WithContext(ctx context.Context, args ...any) context.Context {
	logger := FromContext(ctx)
	return context.WithValue(ctx, contextKey{}, logger.With(args...))
}
