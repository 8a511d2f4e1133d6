package log

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Span logs the start and end of an operation, including the duration and any
// error set through the returned done function.  Use it like:
//
//	done := log.Span(ctx, "buildTraversal")
//	...
//	done(err)
func Span(ctx context.Context, name string, fields ...Field) func(err error) {
	start := time.Now()
	l := extract(ctx)
	l.Debug("span start: "+name, fields...)
	return func(err error) {
		f := append([]Field{zap.Duration("duration", time.Since(start))}, fields...)
		if err != nil {
			l.Error("span failed: "+name, append(f, zap.Error(err))...)
			return
		}
		l.Debug("span end: "+name, f...)
	}
}
