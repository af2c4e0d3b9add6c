package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	want := Envelope{Job: 7, Msg: Message{ExecuteCommand: &ExecuteCommand{
		Cmd:  "cargo",
		Args: []string{"build", "--release"},
		Env:  map[string]string{"RUST_BACKTRACE": "1"},
	}}}
	require.NoError(t, enc.Send(want))

	dec := NewDecoder(&buf)
	got, err := dec.Recv()
	require.NoError(t, err)
	assert.Equal(t, want.Job, got.Job)
	assert.Equal(t, want.Msg.ExecuteCommand.Cmd, got.Msg.ExecuteCommand.Cmd)
	assert.Equal(t, want.Msg.ExecuteCommand.Args, got.Msg.ExecuteCommand.Args)
	assert.Equal(t, want.Msg.ExecuteCommand.Env, got.Msg.ExecuteCommand.Env)
}

func TestEncodeDecodeMultipleEnvelopesPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	for i := JobID(0); i < 5; i++ {
		require.NoError(t, enc.Send(Envelope{Job: i, Msg: Message{StdoutPacket: &StdoutPacket{Data: i.String()}}}))
	}

	dec := NewDecoder(&buf)
	for i := JobID(0); i < 5; i++ {
		got, err := dec.Recv()
		require.NoError(t, err)
		assert.Equal(t, i, got.Job)
		assert.Equal(t, i.String(), got.Msg.StdoutPacket.Data)
	}
}

func TestRecvOnEmptyStreamReturnsEOF(t *testing.T) {
	dec := NewDecoder(&bytes.Buffer{})
	_, err := dec.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecvOnGarbageReturnsNonEOFError(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0xff, 0xff, 0xff}))
	_, err := dec.Recv()
	require.Error(t, err)
	assert.False(t, err == io.EOF)
}

func TestMessageVariant(t *testing.T) {
	assert.Equal(t, "StdoutPacket", Message{StdoutPacket: &StdoutPacket{}}.Variant())
	assert.Equal(t, "Unknown", Message{}.Variant())
}

func TestMessageIsTerminal(t *testing.T) {
	assert.True(t, Message{ExecuteCommandResponse: &ExecuteCommandResponse{}}.IsTerminal())
	assert.True(t, Message{Error2: &Error2{Message: "boom"}}.IsTerminal())
	assert.False(t, Message{StdoutPacket: &StdoutPacket{Data: "x"}}.IsTerminal())
}

func TestError2Chain(t *testing.T) {
	err := &Error2{Message: "outer", Source: &Error2{Message: "middle", Source: &Error2{Message: "inner"}}}
	assert.Equal(t, "outer: middle: inner", err.Chain())
}

func TestJobIDString(t *testing.T) {
	assert.Equal(t, "42", JobID(42).String())
}
