package davclient

import (
	"errors"
	"fmt"

	"github.com/cyp0633/prospero/internal/httpclient"
)

var (
	// ErrConflict reports a write that lost a race with another writer
	ErrConflict = httpclient.ErrConflict
	// ErrNotFound reports an operation on an absent resource
	ErrNotFound = httpclient.ErrNotFound
	// ErrMalformedCalendarData reports iCalendar data that could not be decoded
	ErrMalformedCalendarData = errors.New("malformed calendar data")
	// ErrInvalidEvent reports an event that cannot be encoded
	ErrInvalidEvent = errors.New("invalid event")
)

type (
	// TransportError means no HTTP response was received. Callers may retry.
	TransportError = httpclient.TransportError
	// ProtocolError is a non-2xx answer from the server.
	ProtocolError = httpclient.ProtocolError
	// MalformedResponseError is a 2xx answer whose body could not be decoded.
	MalformedResponseError = httpclient.MalformedResponseError
)

// MissingFieldError is returned by an accessor whose property is absent.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %s", e.Name)
}

// SaveError wraps the failure of a create or update.
type SaveError struct {
	UID  string
	Href string
	Err  error
}

func (e *SaveError) Error() string {
	if e.Href == "" {
		return fmt.Sprintf("failed to save event %s: %v", e.UID, e.Err)
	}
	return fmt.Sprintf("failed to save event %s to %s: %v", e.UID, e.Href, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transport failure worth retrying.
func Retryable(err error) bool {
	return httpclient.Retryable(err)
}
