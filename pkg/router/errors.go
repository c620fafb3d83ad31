package router

import (
	"errors"
	"fmt"
)

// Common errors. Index-level ErrDimensionMismatch and encoder-level
// ErrEncodingFailure pass through wrapped and can be tested with errors.Is.
var (
	// ErrDuplicateRoute is returned when adding a route whose name is taken.
	ErrDuplicateRoute = errors.New("route already exists")

	// ErrRouteNotFound is returned when updating or removing an unknown route.
	ErrRouteNotFound = errors.New("route not found")

	// ErrInvalidThreshold marks a threshold outside [0,1]. Values are clamped
	// with a warning rather than rejected; the sentinel exists for callers
	// that validate input up front.
	ErrInvalidThreshold = errors.New("threshold outside valid range [0,1]")
)

// RouterError wraps errors with operation context.
type RouterError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("semroute: %v", e.Err)
	}
	return fmt.Sprintf("semroute: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RouterError) Unwrap() error {
	return e.Err
}

// wrapError wraps an error with operation context.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RouterError{Op: op, Err: err}
}
