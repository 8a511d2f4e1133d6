// Package errors is the canonical error-handling package for the project.  It
// wraps github.com/pkg/errors so that every error carries a stack trace from
// the point where it entered our code, while remaining compatible with the
// standard library's errors.Is / errors.As matching.
package errors

import (
	stderrors "errors"
	"io"

	pkgerrors "github.com/pkg/errors"
)

// New returns an error with the supplied message and a stack trace.
func New(msg string) error {
	return pkgerrors.New(msg)
}

// Errorf formats an error with a stack trace.
func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

// Wrap annotates err with msg and a stack trace.  Returns nil if err is nil.
func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

// Wrapf annotates err with a formatted message and a stack trace.  Returns nil
// if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// WithStack annotates err with a stack trace.  Returns nil if err is nil.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// EnsureStack returns an error that is guaranteed to carry a stack trace.  If
// err already has one (anywhere in its chain), err is returned unchanged.
// Call this on errors that cross from third-party code into ours.
func EnsureStack(err error) error {
	if err == nil {
		return nil
	}
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if _, ok := e.(stackTracer); ok {
			return err
		}
	}
	return pkgerrors.WithStack(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error wrapping the provided errors, eliding nils.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// JoinInto joins err into *dst, for accumulating errors in a loop.
func JoinInto(dst *error, err error) {
	if err == nil {
		return
	}
	if *dst == nil {
		*dst = err
		return
	}
	*dst = stderrors.Join(*dst, err)
}

// Close closes c, joining any close error into *retErr with msg.  Intended for
// use in defer statements:
//
//	defer errors.Close(&retErr, f, "close %s", name)
func Close(retErr *error, c io.Closer, format string, args ...interface{}) {
	if err := c.Close(); err != nil {
		JoinInto(retErr, pkgerrors.Wrapf(err, format, args...))
	}
}
