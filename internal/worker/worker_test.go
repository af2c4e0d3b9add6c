package worker

import (
	"bytes"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apexplay/coordinator/internal/wire"
)

func TestExitDetailSuccess(t *testing.T) {
	ok, detail := exitDetail(nil)
	assert.True(t, ok)
	assert.Equal(t, "exit code 0", detail)
}

func TestExitDetailNonZeroExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 3")
	err := cmd.Run()
	require.Error(t, err)

	ok, detail := exitDetail(err)
	assert.False(t, ok)
	assert.Equal(t, "exit code 3", detail)
}

func TestFlattenEnvAppendsToProcessEnviron(t *testing.T) {
	env := flattenEnv(map[string]string{"FOO": "bar"})
	found := false
	for _, kv := range env {
		if kv == "FOO=bar" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFlattenEnvEmptyReturnsProcessEnviron(t *testing.T) {
	env := flattenEnv(nil)
	assert.NotEmpty(t, env)
}

func TestOutputBudgetTripsOnceLimitExceeded(t *testing.T) {
	var b outputBudget
	b.limit = 10
	assert.False(t, b.add(5))
	assert.True(t, b.add(6))
	assert.True(t, b.exceeded.Load())
}

func TestAtomicBoolStoreLoad(t *testing.T) {
	var b atomicBool
	assert.False(t, b.Load())
	b.Store(true)
	assert.True(t, b.Load())
}

// recvAll drains an envelope stream already fully written to buf.
func recvAll(t *testing.T, buf *bytes.Buffer) []wire.Envelope {
	t.Helper()
	dec := wire.NewDecoder(buf)
	var out []wire.Envelope
	for {
		env, err := dec.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestHandleExecuteCommandStreamsStdoutAndTerminalResponse(t *testing.T) {
	var buf bytes.Buffer
	w := New(".", wire.NewEncoder(&buf), zap.NewNop())

	w.handleExecuteCommand(1, &wire.ExecuteCommand{Cmd: "sh", Args: []string{"-c", "echo hello"}})

	var gotStdout, gotTerminal bool
	for _, env := range recvAll(t, &buf) {
		if env.Msg.StdoutPacket != nil {
			assert.Equal(t, "hello\n", env.Msg.StdoutPacket.Data)
			gotStdout = true
		}
		if env.Msg.ExecuteCommandResponse != nil {
			assert.True(t, env.Msg.ExecuteCommandResponse.Success)
			assert.Equal(t, "exit code 0", env.Msg.ExecuteCommandResponse.ExitDetail)
			gotTerminal = true
		}
	}
	assert.True(t, gotStdout, "expected a StdoutPacket envelope")
	assert.True(t, gotTerminal, "expected an ExecuteCommandResponse envelope")
}

func TestHandleExecuteCommandNonZeroExitReportsFailure(t *testing.T) {
	var buf bytes.Buffer
	w := New(".", wire.NewEncoder(&buf), zap.NewNop())

	w.handleExecuteCommand(1, &wire.ExecuteCommand{Cmd: "sh", Args: []string{"-c", "exit 7"}})

	var resp *wire.ExecuteCommandResponse
	for _, env := range recvAll(t, &buf) {
		if env.Msg.ExecuteCommandResponse != nil {
			resp = env.Msg.ExecuteCommandResponse
		}
	}
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "exit code 7", resp.ExitDetail)
}

func TestHandleKillStopsSpinningProcess(t *testing.T) {
	var buf bytes.Buffer
	w := New(".", wire.NewEncoder(&buf), zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.handleExecuteCommand(1, &wire.ExecuteCommand{Cmd: "sh", Args: []string{"-c", "echo before; sleep 5"}})
		close(done)
	}()

	// Wait for the command to register itself as running before killing it.
	deadline := time.After(2 * time.Second)
	for {
		w.mu.Lock()
		_, running := w.running[1]
		w.mu.Unlock()
		if running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("command never registered as running")
		case <-time.After(10 * time.Millisecond):
		}
	}

	w.handleKill(1)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("kill did not stop the running command in time")
	}
}

func TestHandleReadWriteDeleteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	w := New(dir, wire.NewEncoder(&buf), zap.NewNop())

	w.handleWriteFile(1, &wire.WriteFile{Path: "src/main.rs", Bytes: []byte("fn main() {}")})
	w.handleReadFile(2, &wire.ReadFile{Path: "src/main.rs"})
	w.handleDeleteFile(3, &wire.DeleteFile{Path: "src/main.rs"})

	var sawWrite, sawRead, sawDelete bool
	for _, env := range recvAll(t, &buf) {
		switch {
		case env.Msg.WriteFileResponse != nil:
			sawWrite = true
		case env.Msg.ReadFileResponse != nil:
			assert.Equal(t, "fn main() {}", string(env.Msg.ReadFileResponse.Bytes))
			sawRead = true
		case env.Msg.DeleteFileResponse != nil:
			sawDelete = true
		}
	}
	assert.True(t, sawWrite)
	assert.True(t, sawRead)
	assert.True(t, sawDelete)
}

func TestHandleReadFileMissingSendsError(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	w := New(dir, wire.NewEncoder(&buf), zap.NewNop())

	w.handleReadFile(1, &wire.ReadFile{Path: "does/not/exist.rs"})

	envs := recvAll(t, &buf)
	require.Len(t, envs, 1)
	require.NotNil(t, envs[0].Msg.Error2)
	assert.Equal(t, "read file", envs[0].Msg.Error2.Message)
}
