// Package log provides structured logging for the engine.
//
// The logger travels on the context.Context; every log line is emitted through
// zap with whatever fields have accumulated on the context.  Code logs with
// the package-level functions:
//
//	log.Info(ctx, "built traversal", zap.Int("nodes", n))
//
// Contexts without a logger fall back to a global zap logger, so logging never
// panics in code paths that received a bare context.
package log

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is an alias for zap.Field, so most callers only import this package.
type Field = zap.Field

type loggerKey struct{}

var global = newProductionLogger()

func newProductionLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewProductionConfig is a valid config; Build cannot fail on it.
		panic(err)
	}
	return l
}

// SetGlobalLogger replaces the fallback logger used by contexts that never had
// AddLogger called on them.  Intended for process startup and tests.
func SetGlobalLogger(l *zap.Logger) {
	global = l
}

// AddLogger returns a context carrying the global logger.  Use this at the
// root of a process; derive everything else with ChildLogger.
func AddLogger(ctx context.Context) context.Context {
	return WithLogger(ctx, global)
}

// WithLogger returns a context carrying the provided logger.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LogOption customizes a child logger.
type LogOption func(*zap.Logger) *zap.Logger

// WithFields adds fields that appear on every line logged by the child.
func WithFields(fields ...Field) LogOption {
	return func(l *zap.Logger) *zap.Logger {
		return l.With(fields...)
	}
}

// WithOptions applies zap options to the child logger.
func WithOptions(opts ...zap.Option) LogOption {
	return func(l *zap.Logger) *zap.Logger {
		return l.WithOptions(opts...)
	}
}

// ChildLogger returns a context whose logger is named name (concatenated onto
// the parent's name with a dot), with the provided options applied.
func ChildLogger(ctx context.Context, name string, opts ...LogOption) context.Context {
	l := extract(ctx)
	if name != "" {
		l = l.Named(name)
	}
	for _, opt := range opts {
		l = opt(l)
	}
	return WithLogger(ctx, l)
}

func extract(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return global
}

// Debug logs a message at debug level.
func Debug(ctx context.Context, msg string, fields ...Field) {
	extract(ctx).Debug(msg, fields...)
}

// Info logs a message at info level.
func Info(ctx context.Context, msg string, fields ...Field) {
	extract(ctx).Info(msg, fields...)
}

// Error logs a message at error level.
func Error(ctx context.Context, msg string, fields ...Field) {
	extract(ctx).Error(msg, fields...)
}
