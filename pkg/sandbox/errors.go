package sandbox

import "fmt"

// ErrorKind classifies why a run failed. Sandboxed failures are routine,
// so they travel as tagged values rather than opaque errors.
type ErrorKind string

const (
	// KindTimeout: the run exceeded its wall-clock limit and was killed.
	KindTimeout ErrorKind = "timeout"

	// KindMemoryLimit: the run breached its memory ceiling.
	KindMemoryLimit ErrorKind = "memory_limit_exceeded"

	// KindNetworkBlocked: the run attempted outbound network access.
	KindNetworkBlocked ErrorKind = "network_blocked"

	// KindRuntime: the run failed for any other reason.
	KindRuntime ErrorKind = "runtime_error"

	// KindCanceled: the run was forcibly canceled by the caller.
	KindCanceled ErrorKind = "canceled"

	// KindUnavailable: the isolation runtime itself is unusable.
	KindUnavailable ErrorKind = "sandbox_unavailable"
)

// Error is a classified sandbox failure.
type Error struct {
	Kind     ErrorKind
	Message  string
	ExitCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}

// NewError builds a classified sandbox error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError returns the classified error if err is one.
func AsError(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
