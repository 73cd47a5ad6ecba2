package opencode

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrRequestFailed covers non-2xx responses and refused connections.
	ErrRequestFailed = errors.New("request failed")
	// ErrInvalidResponse is returned when a body does not match the schema.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrConnectionFailed is returned when the event stream cannot be opened.
	// It is not fatal: a reconnect is already scheduled.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrClientClosed is returned by operations on a disposed client.
	ErrClientClosed = errors.New("client disposed")
)

// ClientError describes a failed instance call. Kind is one of the sentinel
// errors above and matches with errors.Is.
type ClientError struct {
	Kind       error
	Op         string
	StatusCode int
	Err        error
}

func (e *ClientError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClientError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
