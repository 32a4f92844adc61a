package transport

import (
	"errors"
	"fmt"
)

// Code classifies a transport failure for the host application.
type Code string

const (
	// CodeAuthError means no usable bearer token was available; no
	// connection attempt was made.
	CodeAuthError Code = "AUTH_ERROR"

	// CodeConnectionFailed is a transient network or socket failure.
	CodeConnectionFailed Code = "CONNECTION_FAILED"

	// CodeParseError means an inbound frame was malformed and dropped.
	CodeParseError Code = "PARSE_ERROR"

	// CodeServerError is an explicit error frame from the server.
	CodeServerError Code = "SERVER_ERROR"

	// CodeServerUnavailable is terminal for the connection: the retry
	// budget is exhausted and automatic reconnection has stopped.
	CodeServerUnavailable Code = "SERVER_UNAVAILABLE"
)

// Error is the typed failure value surfaced through the error callback.
// Transport failures never escape as panics or uncaught errors across
// goroutine boundaries.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed transport error.
func NewError(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf extracts the transport code from an error chain, or "" when the
// error is not a transport error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
