// Package launch defines the error returned when a container fails to reach
// a ready state.
package launch

import (
	"errors"
	"fmt"
)

// Error is a fatal launch failure. Cause holds the last observed error, if
// any, so callers can inspect the root cause with errors.As.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an Error. A trailing %w verb in format becomes the cause.
func Errorf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Message: err.Error(), Cause: errors.Unwrap(err)}
}

// New wraps cause with msg.
func New(msg string, cause error) *Error {
	return &Error{Message: msg, Cause: cause}
}

// Is reports whether err is, or wraps, a launch failure.
func Is(err error) bool {
	var le *Error
	return errors.As(err, &le)
}
