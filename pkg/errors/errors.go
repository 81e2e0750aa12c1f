package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

// contextError annotates an error with a short description of what was being
// attempted when it occurred.
type contextError struct {
	context string
	err     error
}

// WithContext wraps `err` so that its message is prefixed by `context`.
// Returns nil if `err` is nil, so it can be used directly in return
// statements.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// FriendlyError is implemented by errors whose message can be shown directly
// to the user, without the context chain that led up to it.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an error whose message is meant to be read by a
// person rather than by the developer debugging it.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// RootCause returns the innermost error wrapped by `err`.
func RootCause(err error) error {
	for {
		next := goErrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// GetPrintableMessage returns the friendliest message available for `err`.
// If any error in the chain is a FriendlyError, its message is used.
// Otherwise, the full error message is returned.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
