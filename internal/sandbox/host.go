package sandbox

import (
	"context"
	"time"
)

// ProcessHandle identifies a remote process as seen by the Controller.
type ProcessHandle struct {
	RemoteID string
}

// ProcessConfig carries the resource budgets and lifecycle deadlines used
// when a new process is started.
type ProcessConfig struct {
	CPUCores        float64
	MemoryMB        int
	OverallDeadline time.Duration
	IdleDeadline    time.Duration
	InitScript      string
	Env             map[string]string
}

// ProcessHost is the opaque "process host" collaborator: something
// that can start, attach to, list, and terminate timed, resource-limited
// processes sharing a filesystem with the Controller. LocalHost and
// DaytonaHost implement it; Controller depends only on the interface.
type ProcessHost interface {
	// Start launches a new process under appName, blocking until any
	// InitScript has finished executing.
	Start(ctx context.Context, appName string, cfg ProcessConfig) (ProcessHandle, error)

	// Attach checks whether remoteID is a live process and returns its
	// handle. alive is false (with a nil error) if the process is gone.
	Attach(ctx context.Context, remoteID string) (handle ProcessHandle, alive bool, err error)

	// Terminate stops a process. Implementations should make this
	// idempotent; Controller.Terminate swallows any error it returns.
	Terminate(ctx context.Context, handle ProcessHandle) error

	// ListLive enumerates all live processes started under appName, for
	// Sweep.
	ListLive(ctx context.Context, appName string) ([]ProcessHandle, error)
}

// RemoteFS is the shared, non-transactional filesystem channel between
// Controller and Driver. Controller wraps both operations with
// its own retry discipline; RemoteFS implementations need only return a
// transient failure as a NewTransientFSError, and report a response file
// that does not exist yet as ok=false with a nil error.
type RemoteFS interface {
	// AppendLine atomically appends one newline-terminated line to the
	// process's REQ file.
	AppendLine(ctx context.Context, handle ProcessHandle, line []byte) error

	// ReadResponse reads RES/<command_id>. ok is false (with a nil error)
	// if the file does not exist yet.
	ReadResponse(ctx context.Context, handle ProcessHandle, commandID string) (data []byte, ok bool, err error)
}

// NewTransientFSError wraps cause as a transient, retryable remote-filesystem
// error (KindTransientFS). RemoteFS implementations should return this (not a
// bare error) so Controller's retry loop can recognize it via IsKind.
func NewTransientFSError(cause error) error {
	return newError(KindTransientFS, "remote filesystem execution error", cause)
}
