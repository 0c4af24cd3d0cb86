// Package errutil provides the error-construction conventions used
// throughout this module: every returned error is built with New, Errorf,
// Wrap or Wrapf rather than the standard library's errors.New/fmt.Errorf,
// so that failures deep in a ConfigFS write or a cluster-chain walk carry
// a stack trace back to the call site that can be printed with "%+v".
package errutil

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil/stack"
)

// E is the error implementation used throughout this module.
type E struct {
	msg   string
	stk   stack.Stack
	cause error
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

// Unwrap implements the implicit interface used by errors.Is/As.
func (e *E) Unwrap() error {
	return e.cause
}

type unwrapper interface {
	unwrap() (msg string, stk stack.Stack, cause error)
}

func (e *E) unwrap() (msg string, stk stack.Stack, cause error) {
	return e.msg, e.stk, e.cause
}

func formatChain(err error) string {
	var chain []string
	for err != nil {
		if e, ok := err.(unwrapper); ok {
			msg, stk, cause := e.unwrap()
			chain = append(chain, fmt.Sprintf("%s\n%v", msg, stk))
			err = cause
		} else {
			chain = append(chain, fmt.Sprintf("%s\n\tat ???", err.Error()))
			err = nil
		}
	}
	return strings.Join(chain, "\n")
}

// Format implements fmt.Formatter; "%+v" prints the full cause chain with
// stack traces, anything else falls back to Error().
func (e *E) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
	} else {
		io.WriteString(s, e.Error())
	}
}

// New creates a new error with the given message, recording the call site.
func New(msg string) *E {
	return &E{msg, stack.New(1), nil}
}

// Errorf creates a new formatted error, recording the call site.
func Errorf(format string, args ...interface{}) *E {
	return &E{fmt.Sprintf(format, args...), stack.New(1), nil}
}

// Wrap creates a new error that adds msg as context on top of cause.
// If cause is nil this behaves like New.
func Wrap(cause error, msg string) *E {
	return &E{msg, stack.New(1), cause}
}

// Wrapf is like Wrap but with a formatted message.
func Wrapf(cause error, format string, args ...interface{}) *E {
	return &E{fmt.Sprintf(format, args...), stack.New(1), cause}
}

// Unwrap wraps the standard errors.Unwrap.
func Unwrap(err error) error { return errors.Unwrap(err) }

// As wraps the standard errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is wraps the standard errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
