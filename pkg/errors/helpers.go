package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps err with additional context.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps err with formatted context.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree matching target's type.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap returns the result of calling Unwrap on err, if present.
func Unwrap(err error) error { return errors.Unwrap(err) }

// New creates a new error with the given message.
func New(message string) error { return errors.New(message) }

// KindOf returns the Kind of err if it (or something in its chain) is an
// *OrchestrationError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.ErrKind, true
	}
	return "", false
}
