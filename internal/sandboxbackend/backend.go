// Package sandboxbackend defines the Sandbox Backend interface used by a
// Container to create and later force-terminate an isolated worker
// process, plus two implementations: a Docker-backed reference backend and
// an in-process backend used by tests.
package sandboxbackend

import (
	"context"
	"io"
)

// Channel selects which sandbox image a Worker runs inside.
type Channel string

const (
	ChannelStable  Channel = "stable"
	ChannelBeta    Channel = "beta"
	ChannelNightly Channel = "nightly"
)

// StartCommand is something that, when Start is called, launches the
// Worker and attaches its stdin/stdout to pipes while leaving stderr
// inherited.
type StartCommand interface {
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Wait blocks until the worker process exits.
	Wait() error
}

// TerminateCommand forcibly kills the sandbox by name when run, regardless
// of whether the host task that started it is still alive.
type TerminateCommand interface {
	Terminate(ctx context.Context) error
}

// Backend creates and tears down sandboxed Worker processes.
type Backend interface {
	// PrepareWorkerCommand returns a start command and a pre-built
	// terminate command for a worker bound to channel, named displayName.
	// The terminate command is prepared in advance so that teardown is
	// possible even if the start command's process handle was lost (e.g.
	// the host task panicked before storing it).
	PrepareWorkerCommand(ctx context.Context, channel Channel, displayName string) (StartCommand, TerminateCommand, error)
}
