// Package limiter implements the Resource Limiter: a two-level semaphore
// hierarchy (container permits, process permits) that Containers and their
// subprocesses acquire before running, plus a broadcast idle Coordinators
// use to release containers early when some other party wants a slot.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// AcquireOutcome is reported to lifecycle hooks at the end of an acquire.
type AcquireOutcome string

const (
	OutcomeAcquired AcquireOutcome = "acquired"
	OutcomeAborted  AcquireOutcome = "aborted"
	OutcomeError    AcquireOutcome = "error"
)

// Hooks observes permit lifecycle events. Any field left nil is skipped.
type Hooks struct {
	OnAcquireStart func(kind string)
	OnAcquireEnd   func(kind string, outcome AcquireOutcome, wait time.Duration)
	OnRelease      func(kind string)
}

func (h *Hooks) start(kind string) {
	if h != nil && h.OnAcquireStart != nil {
		h.OnAcquireStart(kind)
	}
}

func (h *Hooks) end(kind string, outcome AcquireOutcome, wait time.Duration) {
	if h != nil && h.OnAcquireEnd != nil {
		h.OnAcquireEnd(kind, outcome, wait)
	}
}

func (h *Hooks) release(kind string) {
	if h != nil && h.OnRelease != nil {
		h.OnRelease(kind)
	}
}

// Limiter hands out Container and Process permits bounded by fixed global
// counts. Permits release their slot when Close is called, not when they
// are last used — callers must defer Close immediately after a successful
// acquire.
type Limiter struct {
	containers  *semaphore
	processes   *semaphore
	hooks       *Hooks
	startEpoch  int64
	nameCounter int64

	mu       sync.Mutex
	wantCh   chan struct{}
}

// New builds a Limiter with the given container and process capacities.
func New(containerCapacity, processCapacity int, hooks *Hooks) *Limiter {
	return &Limiter{
		containers: newSemaphore(containerCapacity),
		processes:  newSemaphore(processCapacity),
		hooks:      hooks,
		startEpoch: time.Now().Unix(),
		wantCh:     make(chan struct{}),
	}
}

// semaphore is a counting semaphore built from a buffered channel, the
// idiom used throughout the pack (e.g. the teacher's sandbox/v2 executor's
// running/cancels bookkeeping) in place of a generic third-party semaphore
// package, since permits here additionally mint a display name and call
// lifecycle hooks that a bare token does not carry.
type semaphore struct {
	slots chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{slots: make(chan struct{}, capacity)}
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	select {
	case <-s.slots:
	default:
	}
}

// ContainerPermit is evidence of a reserved container slot. It carries a
// unique display name formed from (process-start-epoch-seconds,
// instance-counter), guaranteed unique within this process and across
// briefly-overlapping processes on the same host.
type ContainerPermit struct {
	lim         *Limiter
	DisplayName string
	closed      int32
}

// AcquireContainer blocks until a container slot is free.
func (l *Limiter) AcquireContainer(ctx context.Context) (*ContainerPermit, error) {
	l.hooks.start("container")
	start := time.Now()
	if err := l.containers.acquire(ctx); err != nil {
		l.hooks.end("container", OutcomeAborted, time.Since(start))
		return nil, fmt.Errorf("limiter: acquire container permit: %w", err)
	}
	l.hooks.end("container", OutcomeAcquired, time.Since(start))
	n := atomic.AddInt64(&l.nameCounter, 1)
	return &ContainerPermit{
		lim:         l,
		DisplayName: fmt.Sprintf("coordinator-%d-%d", l.startEpoch, n),
	}, nil
}

// Close releases the container permit. Safe to call more than once.
func (p *ContainerPermit) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	p.lim.containers.release()
	p.lim.hooks.release("container")
}

// ProcessPermit is evidence of a reserved process slot, acquired through a
// held ContainerPermit.
type ProcessPermit struct {
	lim    *Limiter
	closed int32
}

// AcquireProcess blocks until a process slot is free. The caller must
// already hold a ContainerPermit (enforced by call shape, not by type, to
// keep the Go API simple — the Container is the only caller).
func (l *Limiter) AcquireProcess(ctx context.Context, _ *ContainerPermit) (*ProcessPermit, error) {
	l.hooks.start("process")
	start := time.Now()
	if err := l.processes.acquire(ctx); err != nil {
		l.hooks.end("process", OutcomeAborted, time.Since(start))
		return nil, fmt.Errorf("limiter: acquire process permit: %w", err)
	}
	l.hooks.end("process", OutcomeAcquired, time.Since(start))
	return &ProcessPermit{lim: l}, nil
}

// Close releases the process permit. Safe to call more than once.
func (p *ProcessPermit) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	p.lim.processes.release()
	p.lim.hooks.release("process")
}

// ContainerRequested returns a channel that closes the next time some party
// calls RequestContainer — used by idle Coordinators to release containers
// early when capacity is wanted elsewhere.
func (l *Limiter) ContainerRequested() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wantCh
}

// RequestContainer signals ContainerRequested waiters and resets the signal
// for the next round.
func (l *Limiter) RequestContainer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.wantCh)
	l.wantCh = make(chan struct{})
}
