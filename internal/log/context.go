package log

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

type fieldsKey struct{}

// WithContext returns a new context that carries the given Logger
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop if none is present
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// WithFields returns a context whose records carry kv on top of the
// logger's own fields, whichever logger writes them. Fields accumulate
// across calls; non-string keys are dropped.
func WithFields(ctx context.Context, kv ...any) context.Context {
	add := kvAttrs(kv)
	if len(add) == 0 {
		return ctx
	}
	prev := fieldsFromContext(ctx)
	next := make([]slog.Attr, 0, len(prev)+len(add))
	next = append(next, prev...)
	next = append(next, add...)
	return context.WithValue(ctx, fieldsKey{}, next)
}

func fieldsFromContext(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(fieldsKey{}).([]slog.Attr)
	return attrs
}
