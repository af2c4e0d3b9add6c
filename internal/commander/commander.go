// Package commander implements the per-Container client that owns one
// Worker's stdio connection: it assigns JobIDs, multiplexes concurrently
// in-flight requests over the single wire connection, and demultiplexes
// incoming messages back to the right caller.
//
// Structure mirrors gartnera-lite-sandbox-mcp's os_sandbox.Worker: a
// dispatcher goroutine owns a map from in-flight ID to a delivery channel,
// request senders register before sending and read until the terminal
// message closes their channel.
package commander

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/apexplay/coordinator/internal/coordinatorerr"
	"github.com/apexplay/coordinator/internal/wire"
)

// sweepInterval is how often the demultiplexer prunes registrations whose
// receiver has gone away (its context was cancelled) without ever reaching
// a terminal message — e.g. a caller that abandoned a streaming read.
const sweepInterval = 30 * time.Second

// registration is one pending recipient for a JobID's messages.
type registration struct {
	ch       chan wire.Message
	ctx      context.Context
	oneShot  bool
	delivered bool
}

// Commander owns the encode side of the wire connection and the JobID
// space for one Container's Worker.
type Commander struct {
	enc *wire.Encoder
	log *zap.Logger

	nextJob atomic.Uint64

	mu   sync.Mutex
	regs map[wire.JobID]*registration

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Commander writing requests through enc. The caller is
// responsible for starting Run with the matching Decoder.
func New(enc *wire.Encoder, log *zap.Logger) *Commander {
	c := &Commander{
		enc:    enc,
		log:    log,
		regs:   make(map[wire.JobID]*registration),
		closed: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Run reads envelopes from dec and demultiplexes them to registered
// callers until dec.Recv returns an error (including io.EOF, which ends
// the loop with a container-fatal error since the Worker is gone).
func (c *Commander) Run(dec *wire.Decoder) error {
	defer c.shutdown()
	for {
		env, err := dec.Recv()
		if err != nil {
			return coordinatorerr.DeserializeWorkerMessage(err)
		}
		c.deliver(env)
	}
}

func (c *Commander) deliver(env wire.Envelope) {
	c.mu.Lock()
	reg, ok := c.regs[env.Job]
	if ok && env.Msg.IsTerminal() {
		delete(c.regs, env.Job)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("commander: message for unregistered job", zap.Uint64("job", uint64(env.Job)))
		return
	}
	select {
	case reg.ch <- env.Msg:
		reg.delivered = true
	case <-reg.ctx.Done():
	}
	if env.Msg.IsTerminal() {
		close(reg.ch)
	}
}

func (c *Commander) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for job, reg := range c.regs {
		close(reg.ch)
		delete(c.regs, job)
	}
}

func (c *Commander) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Commander) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for job, reg := range c.regs {
		select {
		case <-reg.ctx.Done():
			close(reg.ch)
			delete(c.regs, job)
		default:
		}
	}
}

// streamRegistrationBuffer bounds how many messages a streaming
// registration's channel can hold ahead of the caller, so an ordinary
// burst from the worker doesn't immediately fall onto the backpressure
// path in driveCargoTask. One-shot registrations only ever receive a
// single terminal message, so they stay unbuffered beyond that.
const streamRegistrationBuffer = 8

func (c *Commander) register(ctx context.Context, job wire.JobID, oneShot bool) (*registration, error) {
	bufSize := streamRegistrationBuffer
	if oneShot {
		bufSize = 1
	}
	reg := &registration{ch: make(chan wire.Message, bufSize), ctx: ctx, oneShot: oneShot}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.regs[job]; dup {
		return nil, coordinatorerr.DuplicateDemultiplexClient(job)
	}
	c.regs[job] = reg
	return reg, nil
}

// newJob allocates the next JobID, unique for the lifetime of this
// Commander's Container.
func (c *Commander) newJob() wire.JobID {
	return wire.JobID(c.nextJob.Add(1))
}

// one sends msg and blocks for exactly one terminal response, per spec
// §4's one-shot request/response shape (WriteFile, DeleteFile, ReadFile,
// manifest operations).
func (c *Commander) one(ctx context.Context, msg wire.Message) (wire.Message, error) {
	job := c.newJob()
	reg, err := c.register(ctx, job, true)
	if err != nil {
		return wire.Message{}, err
	}
	if err := c.send(job, msg); err != nil {
		return wire.Message{}, err
	}
	select {
	case m, ok := <-reg.ch:
		if !ok {
			return wire.Message{}, coordinatorerr.UnexpectedEndOfMessages()
		}
		return m, nil
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// many sends msg and returns a channel of every message tagged with job,
// including the terminal one, after which the channel closes. Used for
// ExecuteCommand where stdout/stderr/stats stream ahead of the terminal
// ExecuteCommandResponse.
func (c *Commander) many(ctx context.Context, msg wire.Message) (wire.JobID, <-chan wire.Message, error) {
	job := c.newJob()
	reg, err := c.register(ctx, job, false)
	if err != nil {
		return 0, nil, err
	}
	if err := c.send(job, msg); err != nil {
		return 0, nil, err
	}
	return job, reg.ch, nil
}

func (c *Commander) send(job wire.JobID, msg wire.Message) error {
	if err := c.enc.Send(wire.Envelope{Job: job, Msg: msg}); err != nil {
		return coordinatorerr.SerializeCoordinatorMessage(err)
	}
	return nil
}

// SendStdin forwards a stdin chunk to an in-flight ExecuteCommand job. Not
// registered with the demultiplexer: it carries no response.
func (c *Commander) SendStdin(job wire.JobID, data string) error {
	if err := c.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{StdinPacket: &wire.StdinPacket{Data: data}}}); err != nil {
		return coordinatorerr.StdinSendFailed(err)
	}
	return nil
}

// CloseStdin signals end-of-input for an in-flight ExecuteCommand job.
func (c *Commander) CloseStdin(job wire.JobID) error {
	if err := c.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{StdinClose: &wire.StdinClose{}}}); err != nil {
		return coordinatorerr.StdinSendFailed(err)
	}
	return nil
}

// Kill asks the Worker to terminate an in-flight ExecuteCommand job. This
// is not itself an error path: the job's stream still ends with exactly
// one terminal ExecuteCommandResponse, just a failing one.
func (c *Commander) Kill(job wire.JobID) error {
	if err := c.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{Kill: &wire.Kill{}}}); err != nil {
		return coordinatorerr.KillSendFailed(err)
	}
	return nil
}

// WriteFile performs a one-shot write-file request.
func (c *Commander) WriteFile(ctx context.Context, path string, data []byte) error {
	resp, err := c.one(ctx, wire.Message{WriteFile: &wire.WriteFile{Path: path, Bytes: data}})
	if err != nil {
		return err
	}
	if resp.Error2 != nil {
		return fmt.Errorf("commander: write file %s: %s", path, resp.Error2.Chain())
	}
	if resp.WriteFileResponse == nil {
		return coordinatorerr.UnexpectedMessage(resp.Variant())
	}
	return nil
}

// DeleteFile performs a one-shot delete-file request.
func (c *Commander) DeleteFile(ctx context.Context, path string) error {
	resp, err := c.one(ctx, wire.Message{DeleteFile: &wire.DeleteFile{Path: path}})
	if err != nil {
		return err
	}
	if resp.Error2 != nil {
		return fmt.Errorf("commander: delete file %s: %s", path, resp.Error2.Chain())
	}
	if resp.DeleteFileResponse == nil {
		return coordinatorerr.UnexpectedMessage(resp.Variant())
	}
	return nil
}

// ReadFile performs a one-shot read-file request.
func (c *Commander) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.one(ctx, wire.Message{ReadFile: &wire.ReadFile{Path: path}})
	if err != nil {
		return nil, err
	}
	if resp.Error2 != nil {
		return nil, fmt.Errorf("commander: read file %s: %s", path, resp.Error2.Chain())
	}
	if resp.ReadFileResponse == nil {
		return nil, coordinatorerr.UnexpectedMessage(resp.Variant())
	}
	return resp.ReadFileResponse.Bytes, nil
}

// ExecuteStream begins a streaming command execution, returning the JobID
// (needed for SendStdin/CloseStdin/Kill) and the channel of messages that
// will arrive for it, ending with exactly one terminal
// ExecuteCommandResponse.
func (c *Commander) ExecuteStream(ctx context.Context, cmd string, args []string, env map[string]string, cwd *string) (wire.JobID, <-chan wire.Message, error) {
	return c.many(ctx, wire.Message{ExecuteCommand: &wire.ExecuteCommand{Cmd: cmd, Args: args, Env: env, Cwd: cwd}})
}
