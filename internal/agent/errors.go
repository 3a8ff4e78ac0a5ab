package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a Loop-level failure into a higher tier than the
// sandbox package's own error kinds (TransientFS, ResponseMissing,
// ExecutionTimeout, ExecutionUnavailable). A sandbox failure surfaced
// during a tool call is wrapped here as KindToolInvocation, keeping the
// lower-tier kind intact underneath via Unwrap.
type ErrorKind string

const (
	// KindToolInvocation covers a failure while dispatching or running a
	// tool call, including any sandbox error surfaced during run_code.
	KindToolInvocation ErrorKind = "tool_invocation"

	// KindModelGateway covers a failure calling the model gateway itself:
	// transport errors, non-2xx responses, malformed completions.
	KindModelGateway ErrorKind = "model_gateway"

	// KindSessionInternal covers any other loop-internal failure not
	// attributable to a tool or the gateway (e.g. registry state).
	KindSessionInternal ErrorKind = "session_internal"
)

// Error is the Loop's structured error type: a kind, a human-readable
// message, and an optional wrapped cause (commonly a sandbox.Error, so
// sandbox.IsKind still works through this wrapper via errors.As).
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("agent: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewToolInvocationError wraps a tool-call failure.
func NewToolInvocationError(toolName string, cause error) *Error {
	return &Error{Kind: KindToolInvocation, Message: fmt.Sprintf("tool %q failed", toolName), Cause: cause}
}

// NewModelGatewayError wraps a model gateway call failure.
func NewModelGatewayError(cause error) *Error {
	return &Error{Kind: KindModelGateway, Message: "model gateway call failed", Cause: cause}
}

// NewSessionInternalError wraps any other loop-internal failure.
func NewSessionInternalError(message string, cause error) *Error {
	return &Error{Kind: KindSessionInternal, Message: message, Cause: cause}
}

// IsErrorKind reports whether err is (or wraps) an *Error of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
