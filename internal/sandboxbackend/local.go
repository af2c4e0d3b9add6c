package sandboxbackend

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"
)

// LocalBackend runs the worker binary directly via os/exec, with no
// container runtime involved. Grounded on gartnera-lite-sandbox-mcp's
// StartWorker, which spawns the os_sandbox worker the same way for local
// development; used here so tests can exercise Container/Commander logic
// without a Docker daemon.
type LocalBackend struct {
	// WorkerPath is the path to the worker binary, e.g. from
	// exec.LookPath("playground-worker") or a path built by `go build` in
	// a test's TestMain.
	WorkerPath string
	// ProjectDir is passed as the worker's project-root argument.
	ProjectDir string
	Log        *zap.Logger
}

func (b *LocalBackend) PrepareWorkerCommand(ctx context.Context, channel Channel, displayName string) (StartCommand, TerminateCommand, error) {
	if b.WorkerPath == "" {
		return nil, nil, fmt.Errorf("sandboxbackend: LocalBackend.WorkerPath not set")
	}
	cmd := &localStartCommand{backend: b, displayName: displayName}
	term := &localTerminateCommand{cmd: cmd, displayName: displayName, log: b.Log}
	return cmd, term, nil
}

type localStartCommand struct {
	backend     *LocalBackend
	displayName string
	cmd         *exec.Cmd
}

func (c *localStartCommand) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, c.backend.WorkerPath, c.backend.ProjectDir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("sandboxbackend: local worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("sandboxbackend: local worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("sandboxbackend: local worker start: %w", err)
	}
	c.cmd = cmd
	TrackStart(c.backend.Log, c.displayName)
	return stdin, stdout, nil
}

func (c *localStartCommand) Wait() error {
	if c.cmd == nil {
		return fmt.Errorf("sandboxbackend: Wait called before Start")
	}
	return c.cmd.Wait()
}

type localTerminateCommand struct {
	cmd         *localStartCommand
	displayName string
	log         *zap.Logger
}

func (t *localTerminateCommand) Terminate(ctx context.Context) error {
	defer TrackStop(t.log, t.displayName)
	if t.cmd.cmd == nil || t.cmd.cmd.Process == nil {
		return nil
	}
	return t.cmd.cmd.Process.Kill()
}
