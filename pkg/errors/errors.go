package errors

import (
	stderrors "errors"
	"fmt"
	"github.com/pkg/errors"
	"runtime"
	"strings"
)

// New returns an error with the supplied message and the caller's stack.
func New(msg string) error {
	return errors.New(msg)
}

// Errorf formats according to a format specifier and records the stack.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap annotates err with msg. A nil err stays nil.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with a formatted message. A nil err stays nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// WithStack records the stack at the point it was called, if err has none.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		return err
	}
	return errors.WithStack(err)
}

// Cause returns the innermost error.
func Cause(err error) error {
	return errors.Cause(err)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// NewWithReport builds an error and sends it to the installed reporters.
func NewWithReport(msg string) error {
	err := errors.New(msg)
	report(err)
	return err
}

// ErrorfAndReport builds a formatted error and sends it to the installed reporters.
func ErrorfAndReport(format string, args ...interface{}) error {
	err := errors.Errorf(format, args...)
	report(err)
	return err
}

// WrapAndReport annotates err and reports it. A nil err stays nil and nothing is reported.
func WrapAndReport(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)
	report(wrapped)
	return wrapped
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type stack []uintptr

func callers() stack {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}

// fullStack renders every frame as "func file:line".
func (s stack) fullStack() []string {
	frames := runtime.CallersFrames(s)
	lines := make([]string, 0, len(s))
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			lines = append(lines, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	// reporters index the third frame as the rate limit key
	for len(lines) < 3 {
		lines = append(lines, "")
	}
	return lines
}
