package httpmsg

import (
	"errors"
	"fmt"
	"time"
)

// StatusCoder is implemented by errors that know which HTTP status
// they should be answered with.
type StatusCoder interface {
	StatusCode() int
}

// StatusOf maps err to the status code a client should receive.
// Errors which do not implement StatusCoder are reported as 500.
func StatusOf(err error) int {
	if err == nil {
		return StatusOK
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return StatusInternalServerError
}

// ClientError occurs when the bytes read from a client do not form
// a request this server understands.
type ClientError struct {
	Cause error
}

// Error implements the error interface.
func (e ClientError) Error() string {
	return fmt.Sprintf("malformed request: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ClientError) Unwrap() error {
	return e.Cause
}

// StatusCode implements the StatusCoder interface.
func (e ClientError) StatusCode() int {
	return StatusBadRequest
}

// NotFoundError occurs when no route or file exists for a path, including
// paths which would resolve outside of a document root.
type NotFoundError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e NotFoundError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("not found: %s", e.Path)
	}
	return fmt.Sprintf("not found: %s: %s", e.Path, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e NotFoundError) Unwrap() error {
	return e.Cause
}

// StatusCode implements the StatusCoder interface.
func (e NotFoundError) StatusCode() int {
	return StatusNotFound
}

// HandlerError occurs when a handler fails to produce a response.
type HandlerError struct {
	Cause error
}

// Error implements the error interface.
func (e HandlerError) Error() string {
	return fmt.Sprintf("handler failed: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e HandlerError) Unwrap() error {
	return e.Cause
}

// StatusCode implements the StatusCoder interface.
func (e HandlerError) StatusCode() int {
	return StatusInternalServerError
}

// TimeoutError occurs when a handler exceeded its deadline.
type TimeoutError struct {
	After time.Duration
}

// Error implements the error interface.
func (e TimeoutError) Error() string {
	return fmt.Sprintf("handler timed out after %s", e.After)
}

// StatusCode implements the StatusCoder interface.
func (e TimeoutError) StatusCode() int {
	return StatusInternalServerError
}
