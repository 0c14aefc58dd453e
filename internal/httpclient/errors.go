package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConflict reports a write that lost a race with another writer
	// (HTTP 409 or a failed If-Match/If-None-Match precondition).
	ErrConflict = errors.New("resource was modified concurrently")
	// ErrNotFound reports a request against an absent resource.
	ErrNotFound = errors.New("resource not found")
)

// TransportError wraps failures where no HTTP response was received:
// DNS, TLS, connection resets, timeouts and cancellation.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-2xx answer from the server.
type ProtocolError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	// Condition is the precondition element of a DAV:error body, if any.
	Condition string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s %s: server returned %s", e.Method, e.URL, e.Status)
	if e.Condition != "" {
		msg += " (" + e.Condition + ")"
	}
	return msg
}

// Is maps status codes onto the package sentinels.
func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
	case ErrConflict:
		return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPreconditionFailed
	}
	return false
}

// MalformedResponseError is a 2xx answer whose body could not be decoded.
type MalformedResponseError struct {
	Method string
	URL    string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %v", e.Method, e.URL, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transport failure the caller could retry.
// Cancellation by the caller is not retryable.
func Retryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
