// Package coordinator implements the top-level entry point: three lazy
// per-channel Containers, the typed blocking/streaming public API, and
// idle/shutdown lifecycle management.
//
// The lazy-construct-on-first-use-behind-a-mutex shape mirrors
// sandbox/v2.Manager's template resolution in the teacher, generalized
// from "resolve a language template" to "construct this channel's
// Container the first time it's asked for".
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apexplay/coordinator/internal/container"
	"github.com/apexplay/coordinator/internal/coordinatorerr"
	"github.com/apexplay/coordinator/internal/limiter"
	"github.com/apexplay/coordinator/internal/metrics"
	"github.com/apexplay/coordinator/internal/sandboxbackend"
	"github.com/apexplay/coordinator/internal/types"
)

// observe times fn and records its outcome under operation in the
// package metrics singleton.
func observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Get().ObserveOperation(operation, outcome, time.Since(start))
	return err
}

// Coordinator owns the Resource Limiter, the Sandbox Backend, and three
// lazily-constructed Containers, one per channel.
type Coordinator struct {
	lim     *limiter.Limiter
	backend sandboxbackend.Backend
	log     *zap.Logger

	crateInfoDir string

	mu         sync.Mutex
	containers map[types.Channel]*container.Container
}

// New constructs an empty Coordinator: no Container is started until its
// channel is first used.
func New(lim *limiter.Limiter, backend sandboxbackend.Backend, crateInfoDir string, log *zap.Logger) *Coordinator {
	return &Coordinator{
		lim:          lim,
		backend:      backend,
		crateInfoDir: crateInfoDir,
		log:          log,
		containers:   make(map[types.Channel]*container.Container),
	}
}

// selectChannel returns the Container for ch, constructing it on first
// use.
func (co *Coordinator) selectChannel(ctx context.Context, ch types.Channel) (*container.Container, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if c, ok := co.containers[ch]; ok {
		return c, nil
	}
	c, err := container.New(ctx, co.backend, ch, co.lim, co.log)
	if err != nil {
		return nil, err
	}
	co.containers[ch] = c
	m := metrics.Get()
	m.ContainersStarted.Inc()
	m.ContainersActive.Set(float64(len(co.containers)))
	go co.watchContainer(ch, c)
	return c, nil
}

// watchContainer blocks until c's supervisor exits (worker death, codec
// corruption, or an intentional Shutdown) and evicts c from the channel
// cache if that exit was container-fatal, so a caller's next request on ch
// lazily reconstructs a fresh Container instead of reusing a dead one.
func (co *Coordinator) watchContainer(ch types.Channel, c *container.Container) {
	err := c.Wait()
	co.evictIfFatal(ch, c, err)
}

// evictIfFatal removes c from the channel cache and tears it down in the
// background when err indicates the worker process died or the wire codec
// was corrupted. Not fatal, or c already superseded by a newer Container on
// ch: no-op.
func (co *Coordinator) evictIfFatal(ch types.Channel, c *container.Container, err error) {
	if !coordinatorerr.IsContainerFatal(err) {
		return
	}

	co.mu.Lock()
	evicted := false
	if co.containers[ch] == c {
		delete(co.containers, ch)
		evicted = true
	}
	activeCount := len(co.containers)
	co.mu.Unlock()
	if !evicted {
		return
	}

	m := metrics.Get()
	m.ContainersActive.Set(float64(activeCount))
	co.log.Warn("coordinator: evicting container after fatal error",
		zap.String("channel", string(ch)), zap.Error(err))
	go func() {
		if shutErr := c.Shutdown(context.Background()); shutErr != nil {
			co.log.Warn("coordinator: shutdown of evicted container failed",
				zap.String("channel", string(ch)), zap.Error(shutErr))
		}
		m.ContainersTornDown.WithLabelValues("fatal").Inc()
	}()
}

// Execute runs req's crate, synchronously.
func (co *Coordinator) Execute(ctx context.Context, req types.ExecuteRequest) (*container.ExecResult, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	var res *container.ExecResult
	err = observe("execute", func() error {
		res, err = c.Execute(ctx, req)
		return err
	})
	co.evictIfFatal(req.Channel, c, err)
	return res, err
}

// BeginExecute runs req's crate, returning a streaming ActiveSession.
func (co *Coordinator) BeginExecute(ctx context.Context, req types.ExecuteRequest) (*container.ActiveSession, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	return c.BeginExecute(ctx, req)
}

// Compile produces req's CompileTarget artifact, synchronously.
func (co *Coordinator) Compile(ctx context.Context, req types.CompileRequest) (*container.ExecResult, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	var res *container.ExecResult
	err = observe("compile", func() error {
		res, err = c.Compile(ctx, req)
		return err
	})
	co.evictIfFatal(req.Channel, c, err)
	return res, err
}

// BeginCompile is the streaming form of Compile.
func (co *Coordinator) BeginCompile(ctx context.Context, req types.CompileRequest) (*container.ActiveSession, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	return c.BeginCompile(ctx, req)
}

// Format runs the formatter, synchronously.
func (co *Coordinator) Format(ctx context.Context, req types.FormatRequest) (*container.ExecResult, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	var res *container.ExecResult
	err = observe("format", func() error {
		res, err = c.Format(ctx, req)
		return err
	})
	co.evictIfFatal(req.Channel, c, err)
	return res, err
}

// BeginFormat is the streaming form of Format.
func (co *Coordinator) BeginFormat(ctx context.Context, req types.FormatRequest) (*container.ActiveSession, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	return c.BeginFormat(ctx, req)
}

// Lint runs the linter, synchronously.
func (co *Coordinator) Lint(ctx context.Context, req types.LintRequest) (*container.ExecResult, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	var res *container.ExecResult
	err = observe("lint", func() error {
		res, err = c.Lint(ctx, req)
		return err
	})
	co.evictIfFatal(req.Channel, c, err)
	return res, err
}

// BeginLint is the streaming form of Lint.
func (co *Coordinator) BeginLint(ctx context.Context, req types.LintRequest) (*container.ActiveSession, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	return c.BeginLint(ctx, req)
}

// Interpret runs the crate under the interpreter, synchronously.
func (co *Coordinator) Interpret(ctx context.Context, req types.InterpretRequest) (*container.ExecResult, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	var res *container.ExecResult
	err = observe("interpret", func() error {
		res, err = c.Interpret(ctx, req)
		return err
	})
	co.evictIfFatal(req.Channel, c, err)
	return res, err
}

// BeginInterpret is the streaming form of Interpret.
func (co *Coordinator) BeginInterpret(ctx context.Context, req types.InterpretRequest) (*container.ActiveSession, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	return c.BeginInterpret(ctx, req)
}

// MacroExpand expands macros in the crate's source, synchronously.
func (co *Coordinator) MacroExpand(ctx context.Context, req types.MacroExpandRequest) (*container.ExecResult, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	var res *container.ExecResult
	err = observe("macro_expand", func() error {
		res, err = c.MacroExpand(ctx, req)
		return err
	})
	co.evictIfFatal(req.Channel, c, err)
	return res, err
}

// BeginMacroExpand is the streaming form of MacroExpand.
func (co *Coordinator) BeginMacroExpand(ctx context.Context, req types.MacroExpandRequest) (*container.ActiveSession, error) {
	c, err := co.selectChannel(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	return c.BeginMacroExpand(ctx, req)
}

// Versions queries every channel's compiler/formatter/linter/interpreter
// self-identification output in parallel. A channel's interpreter query
// failing is not fatal: that channel's Interpreter field is simply left
// nil.
func (co *Coordinator) Versions(ctx context.Context) (types.Versions, error) {
	var out types.Versions
	g, gctx := errgroup.WithContext(ctx)

	assign := func(ch types.Channel, dst *types.ChannelVersions) func() error {
		return func() error {
			v, err := co.channelVersions(gctx, ch)
			if err != nil {
				return err
			}
			*dst = v
			return nil
		}
	}
	g.Go(assign(types.Stable, &out.Stable))
	g.Go(assign(types.Beta, &out.Beta))
	g.Go(assign(types.Nightly, &out.Nightly))

	if err := g.Wait(); err != nil {
		return types.Versions{}, err
	}
	return out, nil
}

func (co *Coordinator) channelVersions(ctx context.Context, ch types.Channel) (types.ChannelVersions, error) {
	c, err := co.selectChannel(ctx, ch)
	if err != nil {
		return types.ChannelVersions{}, err
	}

	var cv types.ChannelVersions

	compiler, err := c.RunTool(ctx, "rustc", []string{"--version", "--verbose"})
	if err != nil {
		co.evictIfFatal(ch, c, err)
		return types.ChannelVersions{}, fmt.Errorf("coordinator: query compiler version: %w", err)
	}
	cv.Compiler = parseRustcVersionVerbose(compiler.Stdout)

	formatter, err := c.RunTool(ctx, "cargo", []string{"fmt", "--version"})
	if err != nil {
		co.evictIfFatal(ch, c, err)
		return types.ChannelVersions{}, fmt.Errorf("coordinator: query formatter version: %w", err)
	}
	cv.Formatter = parseToolVersion(formatter.Stdout)

	linter, err := c.RunTool(ctx, "cargo", []string{"clippy", "--version"})
	if err != nil {
		co.evictIfFatal(ch, c, err)
		return types.ChannelVersions{}, fmt.Errorf("coordinator: query linter version: %w", err)
	}
	cv.Linter = parseToolVersion(linter.Stdout)

	if interpreter, err := c.RunTool(ctx, "cargo", []string{"miri", "--version"}); err == nil {
		v := parseToolVersion(interpreter.Stdout)
		cv.Interpreter = &v
	} else {
		co.log.Info("coordinator: interpreter not available on channel", zap.String("channel", string(ch)), zap.Error(err))
	}

	return cv, nil
}

// Crates reads the JSON crate-information file produced during image
// build for ch and returns its parsed contents.
func (co *Coordinator) Crates(ch types.Channel) ([]types.CrateInfo, error) {
	path := fmt.Sprintf("%s/%s.json", co.crateInfoDir, ch)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coordinator: read crate info for %s: %w", ch, err)
	}
	var crates []types.CrateInfo
	if err := json.Unmarshal(data, &crates); err != nil {
		return nil, fmt.Errorf("coordinator: parse crate info for %s: %w", ch, err)
	}
	return crates, nil
}

// ContainerRequested returns a channel that closes the next time some
// other party calls RequestContainer. A caller with no work in flight can
// watch this to voluntarily Idle early rather than holding containers open
// against capacity someone else wants.
func (co *Coordinator) ContainerRequested() <-chan struct{} {
	return co.lim.ContainerRequested()
}

// RequestContainer signals any ContainerRequested watchers that a
// container slot is wanted elsewhere.
func (co *Coordinator) RequestContainer() {
	co.lim.RequestContainer()
}

// Idle shuts down every constructed Container concurrently and returns
// the Coordinator to a reusable empty state.
func (co *Coordinator) Idle(ctx context.Context) error {
	co.mu.Lock()
	containers := co.containers
	co.containers = make(map[types.Channel]*container.Container)
	co.mu.Unlock()

	m := metrics.Get()
	m.ContainersActive.Set(0)

	g, gctx := errgroup.WithContext(ctx)
	for ch, c := range containers {
		c := c
		ch := ch
		g.Go(func() error {
			if err := c.Shutdown(gctx); err != nil {
				m.ContainersTornDown.WithLabelValues("error").Inc()
				return fmt.Errorf("coordinator: shut down %s container: %w", ch, err)
			}
			m.ContainersTornDown.WithLabelValues("idle").Inc()
			return nil
		})
	}
	return g.Wait()
}

// Shutdown idles the Coordinator, then returns the Sandbox Backend it
// owned so the caller can dispose of it (or hand it to a fresh
// Coordinator).
func (co *Coordinator) Shutdown(ctx context.Context) (sandboxbackend.Backend, error) {
	if err := co.Idle(ctx); err != nil {
		return nil, err
	}
	return co.backend, nil
}
