// Package pctx manages contexts for the engine.  Contexts are the root of
// logging; this package sets up a context that carries a named zap logger so
// that every layer below can log without plumbing a logger explicitly.
//
// New applications call Background to get a root context and derive all other
// contexts from it with Child.  The convention is oneCamelCaseWord for the
// child name, and for parents to name their children:
//
//	go s.worker(pctx.Child(ctx, "worker"))
package pctx

import (
	"context"

	"github.com/ethyca/fides-engine/src/internal/log"
	"go.uber.org/zap"
)

// TODO returns a context for code that will be updated to take a proper
// context in the near future.  It should not be used in new code.
func TODO() context.Context {
	return log.AddLogger(context.TODO())
}

// Background returns a context for use in long-running background processes.
func Background(process string) context.Context {
	ctx := log.AddLogger(context.Background())
	return Child(ctx, process)
}

// Option is an option for customizing a child context.
type Option struct {
	modifyContext func(context.Context) context.Context
	modifyLogger  log.LogOption
}

// WithFields returns an Option that includes additional fields on each log
// line produced by the child.
func WithFields(fields ...zap.Field) Option {
	return Option{modifyLogger: log.WithFields(fields...)}
}

// WithOptions returns an Option that modifies the logger with additional zap
// options.
func WithOptions(opts ...zap.Option) Option {
	return Option{modifyLogger: log.WithOptions(opts...)}
}

// Child returns a named child context, with additional options.  The new name
// can be empty.
func Child(ctx context.Context, name string, opts ...Option) context.Context {
	var logOptions []log.LogOption
	for _, opt := range opts {
		if o := opt.modifyLogger; o != nil {
			logOptions = append(logOptions, o)
		}
		if o := opt.modifyContext; o != nil {
			ctx = o(ctx)
		}
	}
	return log.ChildLogger(ctx, name, logOptions...)
}
