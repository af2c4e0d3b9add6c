package coordinator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apexplay/coordinator/internal/limiter"
	"github.com/apexplay/coordinator/internal/sandboxbackend"
	"github.com/apexplay/coordinator/internal/types"
	"github.com/apexplay/coordinator/internal/wire"
)

// fakeBackend is an in-process Sandbox Backend: it never spawns a real
// process, speaking the wire protocol directly over a pair of io.Pipes so
// Coordinator/Container can be exercised without Docker or a built worker
// binary.
type fakeBackend struct {
	crashAfterExecute bool
}

func (b *fakeBackend) PrepareWorkerCommand(ctx context.Context, channel sandboxbackend.Channel, displayName string) (sandboxbackend.StartCommand, sandboxbackend.TerminateCommand, error) {
	s := &fakeStart{crashAfterExecute: b.crashAfterExecute, done: make(chan struct{})}
	return s, fakeTerminate{}, nil
}

type fakeStart struct {
	crashAfterExecute bool
	done              chan struct{}
}

func (s *fakeStart) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		defer close(s.done)
		runFakeWorker(wire.NewEncoder(respW), wire.NewDecoder(reqR), s.crashAfterExecute)
		respW.Close()
	}()

	return reqW, respR, nil
}

func (s *fakeStart) Wait() error {
	<-s.done
	return nil
}

type fakeTerminate struct{}

func (fakeTerminate) Terminate(ctx context.Context) error { return nil }

// runFakeWorker answers just enough of the wire protocol for a Container
// to start up (ReadFile of Cargo.toml) and run one cargo task, optionally
// hanging up right after — simulating the worker process dying mid-session.
func runFakeWorker(toHost *wire.Encoder, fromHost *wire.Decoder, crashAfterExecute bool) {
	for {
		env, err := fromHost.Recv()
		if err != nil {
			return
		}
		switch {
		case env.Msg.ReadFile != nil:
			toHost.Send(wire.Envelope{Job: env.Job, Msg: wire.Message{
				ReadFileResponse: &wire.ReadFileResponse{Bytes: []byte("[package]\nname = \"p\"\nedition = \"2021\"\n")},
			}})
		case env.Msg.WriteFile != nil:
			toHost.Send(wire.Envelope{Job: env.Job, Msg: wire.Message{WriteFileResponse: &wire.WriteFileResponse{}}})
		case env.Msg.DeleteFile != nil:
			toHost.Send(wire.Envelope{Job: env.Job, Msg: wire.Message{DeleteFileResponse: &wire.DeleteFileResponse{}}})
		case env.Msg.ExecuteCommand != nil:
			toHost.Send(wire.Envelope{Job: env.Job, Msg: wire.Message{StdoutPacket: &wire.StdoutPacket{Data: "hi\n"}}})
			toHost.Send(wire.Envelope{Job: env.Job, Msg: wire.Message{
				ExecuteCommandResponse: &wire.ExecuteCommandResponse{Success: true, ExitDetail: "exit code 0"},
			}})
			if crashAfterExecute {
				return
			}
		}
	}
}

func executeRequest() types.ExecuteRequest {
	return types.ExecuteRequest{
		RequestBase: types.RequestBase{
			Channel:   types.Stable,
			Edition:   types.Edition2021,
			CrateType: types.CrateBinary,
			Code:      "fn main() {}",
		},
		Mode: types.ModeDebug,
	}
}

func TestCoordinatorExecuteAgainstFakeBackend(t *testing.T) {
	co := New(limiter.New(4, 4, nil), &fakeBackend{}, t.TempDir(), zap.NewNop())

	res, err := co.Execute(context.Background(), executeRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi\n", res.Stdout)
}

func TestCoordinatorEvictsContainerAfterFatalWorkerCrash(t *testing.T) {
	co := New(limiter.New(4, 4, nil), &fakeBackend{crashAfterExecute: true}, t.TempDir(), zap.NewNop())

	res, err := co.Execute(context.Background(), executeRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Eventually(t, func() bool {
		co.mu.Lock()
		defer co.mu.Unlock()
		_, ok := co.containers[types.Stable]
		return !ok
	}, time.Second, 10*time.Millisecond, "dead container should have been evicted from the channel cache")

	// The channel is lazily reconstructed on the next request against a
	// freshly started fake worker.
	res2, err := co.Execute(context.Background(), executeRequest())
	require.NoError(t, err)
	assert.True(t, res2.Success)
}

func TestCoordinatorContainerRequestedSignalsWatcher(t *testing.T) {
	co := New(limiter.New(1, 1, nil), &fakeBackend{}, t.TempDir(), zap.NewNop())

	ch := co.ContainerRequested()
	select {
	case <-ch:
		t.Fatal("should not be signaled before RequestContainer")
	default:
	}

	co.RequestContainer()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("RequestContainer did not signal ContainerRequested")
	}
}
