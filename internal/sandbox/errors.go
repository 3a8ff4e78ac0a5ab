package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a sandbox failure, lowest to highest
// severity. The classification determines whether Controller retries it
// locally or surfaces it to the caller.
type ErrorKind string

const (
	// KindTransientFS is a remote-filesystem hiccup on append or read;
	// retried by Controller, and returned (wrapped) only once those
	// retries are exhausted.
	KindTransientFS ErrorKind = "transient_fs"

	// KindResponseMissing means RES/<command_id> does not exist yet;
	// retried until MAX_RUNTIME, then reclassified as KindExecutionTimeout.
	KindResponseMissing ErrorKind = "response_missing"

	// KindExecutionTimeout means polling exhausted MAX_RUNTIME without a
	// response ever appearing.
	KindExecutionTimeout ErrorKind = "execution_timeout"

	// KindExecutionUnavailable means the Controller has been terminated, so
	// Submit has no process to run on. A process found dead on reattach or
	// before a Submit is replaced by a fresh one instead.
	KindExecutionUnavailable ErrorKind = "execution_unavailable"
)

// Error wraps a sandbox failure with its classification. Controller and its
// callers use errors.As to recover Kind without string matching.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("sandbox: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// IsKind reports whether err (or something it wraps) is a sandbox Error of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}
