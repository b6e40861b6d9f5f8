package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error represents a failure reported by or on the way to the backend.
//
// Backend errors fall in two categories:
//   - Transient: network loss, timeouts, 5xx. Retryable.
//   - Rejected: validation or authorisation failure. Surfaced, never retried.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Resource is the target resource name.
	Resource string

	// Op names the backend call (query, insert, update, delete, subscribe).
	Op string

	// Status is the transport status code when one exists (e.g. HTTP 422).
	Status int

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes backend errors.
type ErrorCode string

const (
	// CodeTransient is a retryable network-level failure (TransientNetworkError).
	CodeTransient ErrorCode = "TRANSIENT_NETWORK"

	// CodeRejected is a validation or auth error returned by the backend (RemoteRejection).
	CodeRejected ErrorCode = "REMOTE_REJECTION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Code, e.Op, e.Resource)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient creates a CodeTransient error.
func Transient(resource, op string, err error) *Error {
	return &Error{Code: CodeTransient, Resource: resource, Op: op, Err: err}
}

// Rejected creates a CodeRejected error.
func Rejected(resource, op string, err error) *Error {
	return &Error{Code: CodeRejected, Resource: resource, Op: op, Err: err}
}

// IsTransient returns true for retryable failures. Besides *Error with
// CodeTransient it recognises bare network errors and deadline expiry, so
// transports that forget to classify still behave.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code == CodeTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejection returns true if the backend refused the request.
// Uses errors.As to handle wrapped errors.
func IsRejection(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == CodeRejected
	}
	return false
}
