package errors

import (
	"fmt"
)

// ErrNoCurrentMarker is returned when a directory that should hold a
// published generation has neither `current1` nor `current2`.
var ErrNoCurrentMarker = New("no current marker in source directory")

// ErrClosed is returned when a directory handle is used after it was closed.
var ErrClosed = New("directory handle is closed")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ConfigurationError is returned when an index can't be started because of
// how it was configured. These errors are fatal: retrying won't help until
// the configuration or the upstream producer changes.
type ConfigurationError struct {
	Index  string
	Reason string
	Err    error
}

func (err ConfigurationError) Error() string {
	msg := "invalid configuration: " + err.Reason
	if err.Index != "" {
		msg = fmt.Sprintf("invalid configuration for index %q: %s", err.Index, err.Reason)
	}
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

func (err ConfigurationError) Unwrap() error {
	return err.Err
}
