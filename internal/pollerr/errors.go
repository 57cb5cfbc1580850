// Package pollerr classifies failures surfaced by the poll client.
package pollerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure
type Kind int

const (
	// Unknown is returned by KindOf for errors that did not originate here
	Unknown Kind = iota
	// NetworkFailure means the request never completed
	NetworkFailure
	// Rejected means the server answered with a non-success status
	Rejected
	// DecodeFailure means a response body or push message could not be parsed
	DecodeFailure
	// ValidationFailure means a client-side precondition was not met
	ValidationFailure
)

func (k Kind) String() string {
	switch k {
	case NetworkFailure:
		return "network_failure"
	case Rejected:
		return "rejected"
	case DecodeFailure:
		return "decode_failure"
	case ValidationFailure:
		return "validation_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure
type Error struct {
	Kind   Kind
	Op     string // e.g. "vote", "create"
	Status int    // HTTP status for Rejected, 0 otherwise
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Network wraps a transport error
func Network(op string, err error) *Error {
	return &Error{Kind: NetworkFailure, Op: op, Err: err}
}

// Rejection records a non-success server response
func Rejection(op string, status int, reason string) *Error {
	return &Error{Kind: Rejected, Op: op, Status: status, Reason: reason}
}

// Decode wraps a parse error
func Decode(op string, err error) *Error {
	return &Error{Kind: DecodeFailure, Op: op, Err: err}
}

// Validation records a failed client-side precondition
func Validation(op, reason string) *Error {
	return &Error{Kind: ValidationFailure, Op: op, Reason: reason}
}

// KindOf returns the Kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// StatusOf returns the HTTP status carried by a Rejected error, or 0
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
