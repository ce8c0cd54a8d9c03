// Package chaterr classifies failures of the chat sync core so callers can
// decide between surfacing, retrying, and absorbing without string matching.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind string

const (
	// Network covers unreachable hosts, timeouts, and dropped transports.
	Network Kind = "NETWORK"
	// Auth covers 401/403 responses and rejected CONNECT handshakes.
	Auth Kind = "AUTH"
	// Server covers non-2xx responses that are not auth failures.
	Server Kind = "SERVER"
	// NonJSON covers unparsable response bodies.
	NonJSON Kind = "NON_JSON"
	// Malformed covers message envelopes that match no known schema.
	Malformed Kind = "MALFORMED"
	// Protocol covers frames with a broken header block. An unknown verb is
	// not a protocol error; it is tolerated and ignored upstream.
	Protocol Kind = "PROTOCOL"
	// ExhaustedRetries means the reconnect attempt cap was hit and the
	// connection is in its terminal failed state.
	ExhaustedRetries Kind = "EXHAUSTED_RETRIES"
)

// ErrNotConnected is returned for a send attempted while the transport is
// not in the connected state. The message is dropped, never queued.
var ErrNotConnected = errors.New("transport not connected")

// Error carries a failure class alongside the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a failure class. op names the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure class from err, or "" if err is unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given failure class.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
