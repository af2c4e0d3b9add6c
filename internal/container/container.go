// Package container implements the per-channel Container: it owns one
// Worker's lifetime, the cached parsed build manifest, and the
// concurrent "do a request" sequence (delete-alternate / write-primary /
// modify-manifest, then run the cargo task and stream its output back).
//
// The startup sequence and cargo-task event loop are grounded on
// sandbox/v2's Manager/Executor split in the example pack, generalized
// from its Docker-exec-then-poll model to the Worker's persistent
// stdio-multiplexed protocol, and on the try-join supervisor idiom from
// golang.org/x/sync/errgroup used the way cuemby-warren supervises its
// worker goroutines.
package container

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apexplay/coordinator/internal/commander"
	"github.com/apexplay/coordinator/internal/coordinatorerr"
	"github.com/apexplay/coordinator/internal/limiter"
	"github.com/apexplay/coordinator/internal/manifest"
	"github.com/apexplay/coordinator/internal/metrics"
	"github.com/apexplay/coordinator/internal/sandboxbackend"
	"github.com/apexplay/coordinator/internal/types"
	"github.com/apexplay/coordinator/internal/wire"
)

const manifestPath = "Cargo.toml"

// Container owns one channel's Worker for as long as its Coordinator
// keeps it alive.
type Container struct {
	channel types.Channel
	log     *zap.Logger

	permit    *limiter.ContainerPermit
	lim       *limiter.Limiter
	terminate sandboxbackend.TerminateCommand
	cmd       *commander.Commander

	manifestMu sync.Mutex
	cachedManifest *manifest.Manifest

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New runs the Container startup sequence: acquire a container permit,
// launch the Worker through backend, spawn the io-queue and demultiplexer,
// read and cache the build manifest, then spawn the supervisor that tears
// everything down together on the first failure.
func New(ctx context.Context, backend sandboxbackend.Backend, channel types.Channel, lim *limiter.Limiter, log *zap.Logger) (*Container, error) {
	permit, err := lim.AcquireContainer(ctx)
	if err != nil {
		return nil, coordinatorerr.PermitAcquisitionFailed(err)
	}

	start, terminate, err := backend.PrepareWorkerCommand(ctx, channel, permit.DisplayName)
	if err != nil {
		permit.Close()
		return nil, coordinatorerr.SpawnWorkerFailed(err)
	}

	stdin, stdout, err := start.Start(ctx)
	if err != nil {
		permit.Close()
		return nil, coordinatorerr.SpawnWorkerFailed(err)
	}

	enc := wire.NewEncoder(stdin)
	dec := wire.NewDecoder(stdout)
	cmdr := commander.New(enc, log)

	supervisorCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(supervisorCtx)

	group.Go(func() error {
		err := start.Wait()
		if err != nil {
			return coordinatorerr.TerminateWorkerFailed(err)
		}
		return nil
	})
	group.Go(func() error {
		return cmdr.Run(dec)
	})
	_ = gctx

	c := &Container{
		channel:   channel,
		log:       log,
		permit:    permit,
		lim:       lim,
		terminate: terminate,
		cmd:       cmdr,
		group:     group,
		cancel:    cancel,
	}

	data, err := cmdr.ReadFile(ctx, manifestPath)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, coordinatorerr.ManifestRead(err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	c.cachedManifest = m

	return c, nil
}

// Shutdown tears the Container down: cancels the supervisor, forcibly
// terminates the sandbox regardless of whether the start command's
// process handle is still believed live, and releases the container
// permit. Per invariant 7, termination is always attempted even if the
// supervisor has already exited.
func (c *Container) Shutdown(ctx context.Context) error {
	c.cancel()
	_ = c.group.Wait()
	termErr := c.terminate.Terminate(ctx)
	c.permit.Close()
	if termErr != nil {
		return coordinatorerr.TerminateWorkerFailed(termErr)
	}
	return nil
}

// Wait blocks until the supervisor observes a container-fatal failure
// (worker process exit, codec corruption) and returns it.
func (c *Container) Wait() error {
	return c.group.Wait()
}

// RunTool runs a bare tool invocation (no manifest or source-file setup),
// used for version queries and anything else that doesn't operate on the
// project's cached crate.
func (c *Container) RunTool(ctx context.Context, cmdName string, args []string) (*ExecResult, error) {
	return c.runCargoTaskSync(ctx, cmdName, args, nil, nil)
}

// ExecResult is the drained, synchronous form of a cargo task's output.
type ExecResult struct {
	Success    bool
	ExitDetail string
	Stdout     string
	Stderr     string
}

// ActiveSession is the streaming form of a running cargo task: a process
// permit, channels for stdin/stdout/stderr/stats, and a terminal-status
// future.
type ActiveSession struct {
	Permit *limiter.ProcessPermit
	Stdin  chan<- string
	Stdout <-chan string
	Stderr <-chan string
	Stats  <-chan wire.CommandStatistics
	Done   <-chan sessionResult

	job    wire.JobID
	cmdr   *commander.Commander
}

type sessionResult struct {
	resp wire.ExecuteCommandResponse
	err  error
}

// Kill sends a Kill message for this session's job. The subprocess it
// spawned is the only one affected; other jobs in the same Container
// continue unaffected (invariant 6).
func (s *ActiveSession) Kill() error {
	return s.cmdr.Kill(s.job)
}

// CloseStdin signals end-of-input for this session's job.
func (s *ActiveSession) CloseStdin() error {
	return s.cmdr.CloseStdin(s.job)
}

// doRequest performs, concurrently: delete of the alternate source path,
// write of the primary source path with code, and modify_manifest
// (clone the cached manifest, apply transform, write it back).
func (c *Container) doRequest(ctx context.Context, base types.RequestBase, code string, transform func(*manifest.Manifest)) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.cmd.DeleteFile(gctx, base.CrateType.AlternatePath()); err != nil {
			return coordinatorerr.CouldNotDeletePreviousCode(err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.cmd.WriteFile(gctx, base.CrateType.PrimaryPath(), []byte(code)); err != nil {
			return coordinatorerr.CouldNotWriteCode(err)
		}
		return nil
	})
	g.Go(func() error {
		return c.modifyManifest(gctx, transform)
	})

	return g.Wait()
}

func (c *Container) modifyManifest(ctx context.Context, transform func(*manifest.Manifest)) error {
	c.manifestMu.Lock()
	defer c.manifestMu.Unlock()

	cloned, err := manifest.Parse(mustSerialize(c.cachedManifest))
	if err != nil {
		return coordinatorerr.CouldNotModifyManifest(err)
	}
	transform(cloned)

	out, err := cloned.Serialize()
	if err != nil {
		return coordinatorerr.CouldNotModifyManifest(err)
	}
	if err := c.cmd.WriteFile(ctx, manifestPath, out); err != nil {
		return coordinatorerr.CouldNotModifyManifest(err)
	}
	c.cachedManifest = cloned
	return nil
}

func mustSerialize(m *manifest.Manifest) []byte {
	b, err := m.Serialize()
	if err != nil {
		// The cached manifest was parsed successfully on startup and only
		// ever mutated through this package's own transforms; it cannot
		// fail to re-serialize.
		panic(fmt.Sprintf("container: cached manifest no longer serializable: %v", err))
	}
	return b
}

// runCargoTask acquires a process permit and starts the streaming
// ExecuteCommand, returning an ActiveSession whose channels the caller
// reads directly (or the synchronous wrapper drains outright).
func (c *Container) runCargoTask(ctx context.Context, cmdName string, args []string, env map[string]string, cwd *string) (*ActiveSession, error) {
	processPermit, err := c.lim.AcquireProcess(ctx, c.permit)
	if err != nil {
		return nil, coordinatorerr.PermitAcquisitionFailed(err)
	}

	job, msgs, err := c.cmd.ExecuteStream(ctx, cmdName, args, env, cwd)
	if err != nil {
		processPermit.Close()
		return nil, coordinatorerr.CouldNotStartCargo(err)
	}

	stdinCh := make(chan string, 16)
	stdoutCh := make(chan string, 64)
	stderrCh := make(chan string, 64)
	statsCh := make(chan wire.CommandStatistics, 8)
	doneCh := make(chan sessionResult, 1)

	go c.driveCargoTask(ctx, job, msgs, stdinCh, stdoutCh, stderrCh, statsCh, doneCh, processPermit)

	return &ActiveSession{
		Permit: processPermit,
		Stdin:  stdinCh,
		Stdout: stdoutCh,
		Stderr: stderrCh,
		Stats:  statsCh,
		Done:   doneCh,
		job:    job,
		cmdr:   c.cmd,
	}, nil
}

// forwardOrCancel blocks delivering v on ch so a slow-but-present consumer
// applies real backpressure all the way back to the worker, unblocking
// early only when ctx is cancelled — the caller disappearing (or the
// container shutting down) is the one case a packet is allowed to drop.
func forwardOrCancel[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// driveCargoTask is the cargo-task event loop from spec §4.5: forward
// caller stdin, forward worker stdout/stderr/stats (blocking on the
// receiver so backpressure propagates to the worker, dropping only once
// the caller's context is gone), and resolve exactly once on the terminal
// response, a worker-reported error, an unexpected variant, or the
// channel closing without a terminal.
func (c *Container) driveCargoTask(
	ctx context.Context,
	job wire.JobID,
	msgs <-chan wire.Message,
	stdinCh <-chan string,
	stdoutCh, stderrCh chan<- string,
	statsCh chan<- wire.CommandStatistics,
	doneCh chan<- sessionResult,
	permit *limiter.ProcessPermit,
) {
	defer permit.Close()
	defer close(stdoutCh)
	defer close(stderrCh)
	defer close(statsCh)
	defer close(doneCh)

	stdinClosed := false
	cancelCh := ctx.Done()
	for {
		select {
		case <-cancelCh:
			_ = c.cmd.Kill(job)
			// A kill still produces exactly one terminal response; stop
			// selecting on an already-closed Done channel so this arm
			// doesn't spin, and keep draining the rest.
			cancelCh = nil

		case data, ok := <-stdinCh:
			if !ok {
				if !stdinClosed {
					_ = c.cmd.CloseStdin(job)
					stdinClosed = true
				}
				// Replace the closed channel with a nil one so this case
				// never fires again (nil channel receives block forever).
				stdinCh = nil
				continue
			}
			_ = c.cmd.SendStdin(job, data)

		case msg, ok := <-msgs:
			if !ok {
				doneCh <- sessionResult{err: coordinatorerr.UnexpectedEndOfMessages()}
				return
			}
			switch {
			case msg.StdoutPacket != nil:
				if !forwardOrCancel(ctx, stdoutCh, msg.StdoutPacket.Data) {
					metrics.Get().WorkerOutputDropped.Inc()
				}
			case msg.StderrPacket != nil:
				if !forwardOrCancel(ctx, stderrCh, msg.StderrPacket.Data) {
					metrics.Get().WorkerOutputDropped.Inc()
				}
			case msg.CommandStatistics != nil:
				if !forwardOrCancel(ctx, statsCh, *msg.CommandStatistics) {
					metrics.Get().WorkerOutputDropped.Inc()
				}
			case msg.ExecuteCommandResponse != nil:
				doneCh <- sessionResult{resp: *msg.ExecuteCommandResponse}
				return
			case msg.Error != nil:
				doneCh <- sessionResult{err: coordinatorerr.CargoFailed(fmt.Errorf("%s", msg.Error.Message))}
				return
			case msg.Error2 != nil:
				doneCh <- sessionResult{err: coordinatorerr.CargoFailed(fmt.Errorf("%s", msg.Error2.Chain()))}
				return
			default:
				doneCh <- sessionResult{err: coordinatorerr.UnexpectedMessage(msg.Variant())}
				return
			}
		}
	}
}

// runCargoTaskSync invokes the streaming form, discards the stdin
// channel, drains stdout/stderr into strings, and returns a combined
// response — the synchronous variant of every operation per spec §4.5.
func (c *Container) runCargoTaskSync(ctx context.Context, cmdName string, args []string, env map[string]string, cwd *string) (*ExecResult, error) {
	session, err := c.runCargoTask(ctx, cmdName, args, env, cwd)
	if err != nil {
		return nil, err
	}

	var stdout, stderr []byte
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for s := range session.Stdout {
			stdout = append(stdout, s...)
		}
	}()
	go func() {
		defer wg.Done()
		for s := range session.Stderr {
			stderr = append(stderr, s...)
		}
	}()
	go func() {
		for range session.Stats {
			// Synchronous callers don't observe intermediate statistics.
		}
	}()

	var result sessionResult
	select {
	case result = <-session.Done:
	case <-ctx.Done():
		_ = session.Kill()
		result = <-session.Done
	}
	wg.Wait()

	if result.err != nil {
		return nil, result.err
	}
	return &ExecResult{
		Success:    result.resp.Success,
		ExitDetail: result.resp.ExitDetail,
		Stdout:     string(stdout),
		Stderr:     string(stderr),
	}, nil
}
