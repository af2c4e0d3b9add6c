// Package worker implements the process that runs inside the sandbox: it
// receives Coordinator messages over stdin, performs file I/O rooted at a
// project directory, spawns compiler/tool subprocesses, streams their
// stdio back line-delimited, and periodically samples resource usage.
//
// Structure mirrors gartnera-lite-sandbox-mcp's os_sandbox.RunWorker: a
// single decode loop dispatches by message type, exec-style jobs get their
// own goroutine pair bridging stdin/stdout/stderr, and a per-job map routes
// StdinPacket/Kill to the right running subprocess.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/apexplay/coordinator/internal/wire"
)

// OutputCapBytes bounds the combined stdout+stderr byte volume the process
// manager will forward for a single job before killing the child. Fixed,
// not observable in the protocol (§4.3, §9 open question).
const OutputCapBytes = 2 << 20 // 2 MiB

// StatsInterval is how often CommandStatistics are emitted for a running
// command. Fixed, not observable in the protocol.
const StatsInterval = time.Second

// Worker runs the dispatch loop against a project root directory.
type Worker struct {
	root string
	log  *zap.Logger
	enc  *wire.Encoder

	mu      sync.Mutex
	running map[wire.JobID]*runningCommand
}

type runningCommand struct {
	cancel  context.CancelFunc
	stdinW  io.WriteCloser
	closeIn sync.Once
}

// New constructs a Worker rooted at root, using enc to write replies and
// log for diagnostics.
func New(root string, enc *wire.Encoder, log *zap.Logger) *Worker {
	return &Worker{
		root:    root,
		log:     log,
		enc:     enc,
		running: make(map[wire.JobID]*runningCommand),
	}
}

// Run reads envelopes from dec until a clean EOF (normal shutdown) or a
// fatal decode error.
func (w *Worker) Run(dec *wire.Decoder) error {
	for {
		env, err := dec.Recv()
		if err == io.EOF {
			w.log.Info("worker stdin closed, shutting down")
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker: recv envelope: %w", err)
		}
		w.dispatch(env)
	}
}

func (w *Worker) dispatch(env wire.Envelope) {
	job, msg := env.Job, env.Msg
	switch {
	case msg.WriteFile != nil:
		go w.handleWriteFile(job, msg.WriteFile)
	case msg.DeleteFile != nil:
		go w.handleDeleteFile(job, msg.DeleteFile)
	case msg.ReadFile != nil:
		go w.handleReadFile(job, msg.ReadFile)
	case msg.ExecuteCommand != nil:
		go w.handleExecuteCommand(job, msg.ExecuteCommand)
	case msg.StdinPacket != nil:
		w.handleStdinPacket(job, msg.StdinPacket)
	case msg.StdinClose != nil:
		w.handleStdinClose(job)
	case msg.Kill != nil:
		w.handleKill(job)
	default:
		w.log.Warn("worker: unknown message variant on wire", zap.String("variant", msg.Variant()))
	}
}

// resolvePath resolves a request path against the project root. An
// absolute path overrides the root entirely — this is documented,
// intentionally preserved behavior (see DESIGN.md open question), not
// accidental.
func (w *Worker) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(w.root, path)
}

func (w *Worker) sendError2(job wire.JobID, msg string, cause error) {
	e := &wire.Error2{Message: msg}
	if cause != nil {
		e.Source = &wire.Error2{Message: cause.Error()}
	}
	if err := w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{Error2: e}}); err != nil {
		w.log.Error("worker: failed to send error", zap.Error(err))
	}
}

func (w *Worker) handleWriteFile(job wire.JobID, m *wire.WriteFile) {
	path := w.resolvePath(m.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.sendError2(job, "create parent directories", err)
		return
	}
	if err := os.WriteFile(path, m.Bytes, 0o644); err != nil {
		w.sendError2(job, "write file", err)
		return
	}
	w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{WriteFileResponse: &wire.WriteFileResponse{}}})
}

func (w *Worker) handleDeleteFile(job wire.JobID, m *wire.DeleteFile) {
	path := w.resolvePath(m.Path)
	if err := os.Remove(path); err != nil {
		w.sendError2(job, "delete file", err)
		return
	}
	w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{DeleteFileResponse: &wire.DeleteFileResponse{}}})
}

func (w *Worker) handleReadFile(job wire.JobID, m *wire.ReadFile) {
	path := w.resolvePath(m.Path)
	b, err := os.ReadFile(path)
	if err != nil {
		w.sendError2(job, "read file", err)
		return
	}
	w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{ReadFileResponse: &wire.ReadFileResponse{Bytes: b}}})
}

func (w *Worker) handleStdinPacket(job wire.JobID, m *wire.StdinPacket) {
	w.mu.Lock()
	rc, ok := w.running[job]
	w.mu.Unlock()
	if !ok || rc.stdinW == nil {
		return
	}
	io.WriteString(rc.stdinW, m.Data) //nolint:errcheck
}

func (w *Worker) handleStdinClose(job wire.JobID) {
	w.mu.Lock()
	rc, ok := w.running[job]
	w.mu.Unlock()
	if !ok || rc.stdinW == nil {
		return
	}
	rc.closeIn.Do(func() { rc.stdinW.Close() })
}

func (w *Worker) handleKill(job wire.JobID) {
	w.mu.Lock()
	rc, ok := w.running[job]
	w.mu.Unlock()
	if !ok {
		return
	}
	rc.cancel()
}

func (w *Worker) handleExecuteCommand(job wire.JobID, m *wire.ExecuteCommand) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cwd := w.root
	if m.Cwd != nil {
		cwd = w.resolvePath(*m.Cwd)
	}

	cmd := exec.CommandContext(ctx, m.Cmd, m.Args...)
	cmd.Dir = cwd
	cmd.Env = flattenEnv(m.Env)
	// Run the child in its own process group and kill the whole group, so
	// grandchildren holding stdout/stderr open die with it (kill-on-drop
	// backstop).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }

	stdinW, err := cmd.StdinPipe()
	if err != nil {
		w.sendError2(job, "create stdin pipe", err)
		return
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		w.sendError2(job, "create stdout pipe", err)
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		w.sendError2(job, "create stderr pipe", err)
		return
	}

	if err := cmd.Start(); err != nil {
		w.sendError2(job, "start command", err)
		return
	}

	rc := &runningCommand{cancel: cancel, stdinW: stdinW}
	w.mu.Lock()
	w.running[job] = rc
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, job)
		w.mu.Unlock()
		stdinW.Close()
	}()

	var budget outputBudget
	budget.limit = OutputCapBytes

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.bridgeLines(job, stdoutPipe, &budget, cancel, func(line string) wire.Message {
			return wire.Message{StdoutPacket: &wire.StdoutPacket{Data: line}}
		})
	}()
	go func() {
		defer wg.Done()
		w.bridgeLines(job, stderrPipe, &budget, cancel, func(line string) wire.Message {
			return wire.Message{StderrPacket: &wire.StderrPacket{Data: line}}
		})
	}()

	statsDone := make(chan struct{})
	start := time.Now()
	go w.sampleStats(job, cmd, start, statsDone)

	wg.Wait()
	close(statsDone)

	err = cmd.Wait()
	_, finalCPU := finalUsage(cmd)
	w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{
		CommandStatistics: &wire.CommandStatistics{TotalTimeSecs: finalCPU},
	}})

	success, detail := exitDetail(err)
	if budget.exceeded.Load() {
		success = false
		detail = fmt.Sprintf("%d bytes of output, exiting", budget.limit)
	}
	w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{
		ExecuteCommandResponse: &wire.ExecuteCommandResponse{Success: success, ExitDetail: detail},
	}})
}

// bridgeLines reads line-delimited UTF-8 from r, forwarding each line as a
// StdoutPacket/StderrPacket until EOF, an output-budget overrun (which
// cancels the command), or the pipe closing because the command was
// killed.
func (w *Worker) bridgeLines(job wire.JobID, r io.Reader, budget *outputBudget, cancel context.CancelFunc, wrap func(string) wire.Message) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text() + "\n"
		if budget.add(len(line)) {
			cancel()
			return
		}
		if err := w.enc.Send(wire.Envelope{Job: job, Msg: wrap(line)}); err != nil {
			w.log.Error("worker: failed to forward output", zap.Error(err))
			return
		}
	}
}

func (w *Worker) sampleStats(job wire.JobID, cmd *exec.Cmd, start time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rss, cpu := sampleProcess(cmd.Process, start)
			w.enc.Send(wire.Envelope{Job: job, Msg: wire.Message{
				CommandStatistics: &wire.CommandStatistics{TotalTimeSecs: cpu, ResidentSetSizeBytes: rss},
			}})
		}
	}
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	out := append([]string{}, os.Environ()...)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func exitDetail(err error) (bool, string) {
	if err == nil {
		return true, "exit code 0"
	}
	var ee *exec.ExitError
	if ok := asExitError(err, &ee); ok {
		ws := ee.ProcessState
		if ws.Exited() {
			return false, fmt.Sprintf("exit code %d", ws.ExitCode())
		}
		if sig := ws.Sys(); sig != nil {
			return false, fmt.Sprintf("terminated by signal %v", ws.String())
		}
		return false, "killed"
	}
	return false, err.Error()
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// outputBudget is a thread-safe byte counter enforcing OutputCapBytes
// across both the stdout and stderr bridges of one job.
type outputBudget struct {
	mu       sync.Mutex
	written  int
	limit    int
	exceeded atomicBool
}

func (b *outputBudget) add(n int) (overLimit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written += n
	if b.written > b.limit {
		b.exceeded.Store(true)
		return true
	}
	return false
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) Store(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) Load() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
