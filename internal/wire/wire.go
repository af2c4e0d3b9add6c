// Package wire implements the length-self-delimiting binary protocol
// exchanged between a Container's Commander and its in-sandbox Worker over
// the worker process's stdio.
//
// Every record on the stream is a Multiplexed envelope wrapping exactly one
// tagged Coordinator->Worker or Worker->Coordinator message. A clean io.EOF
// while waiting for the next envelope is a normal shutdown signal; any other
// decode failure is fatal for the Worker that produced it.
package wire

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// JobID is the multiplex tag assigned by a Commander. It is unique within a
// Container for the lifetime of that Container.
type JobID uint64

// String renders a JobID for logging and error messages.
func (j JobID) String() string { return fmt.Sprintf("%d", uint64(j)) }

// Envelope is the unit of wire transmission: a JobID paired with exactly one
// tagged message. Unenveloped bytes are never valid on the wire.
type Envelope struct {
	Job JobID
	Msg Message
}

// Message is a tagged union of every record that can travel inside an
// Envelope. Exactly one of the pointer fields is non-nil.
type Message struct {
	WriteFile              *WriteFile
	WriteFileResponse      *WriteFileResponse
	DeleteFile             *DeleteFile
	DeleteFileResponse     *DeleteFileResponse
	ReadFile               *ReadFile
	ReadFileResponse       *ReadFileResponse
	ExecuteCommand         *ExecuteCommand
	ExecuteCommandResponse *ExecuteCommandResponse
	StdinPacket            *StdinPacket
	StdinClose             *StdinClose
	Kill                   *Kill
	StdoutPacket           *StdoutPacket
	StderrPacket           *StderrPacket
	CommandStatistics      *CommandStatistics
	Error                  *Error
	Error2                 *Error2
}

// Variant names the single populated field of a Message, used for
// unexpected-response checks and logging.
func (m Message) Variant() string {
	switch {
	case m.WriteFile != nil:
		return "WriteFile"
	case m.WriteFileResponse != nil:
		return "WriteFileResponse"
	case m.DeleteFile != nil:
		return "DeleteFile"
	case m.DeleteFileResponse != nil:
		return "DeleteFileResponse"
	case m.ReadFile != nil:
		return "ReadFile"
	case m.ReadFileResponse != nil:
		return "ReadFileResponse"
	case m.ExecuteCommand != nil:
		return "ExecuteCommand"
	case m.ExecuteCommandResponse != nil:
		return "ExecuteCommandResponse"
	case m.StdinPacket != nil:
		return "StdinPacket"
	case m.StdinClose != nil:
		return "StdinClose"
	case m.Kill != nil:
		return "Kill"
	case m.StdoutPacket != nil:
		return "StdoutPacket"
	case m.StderrPacket != nil:
		return "StderrPacket"
	case m.CommandStatistics != nil:
		return "CommandStatistics"
	case m.Error != nil:
		return "Error"
	case m.Error2 != nil:
		return "Error2"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether m ends a job's stream of replies.
func (m Message) IsTerminal() bool {
	return m.ExecuteCommandResponse != nil || m.Error != nil || m.Error2 != nil ||
		m.WriteFileResponse != nil || m.DeleteFileResponse != nil || m.ReadFileResponse != nil
}

// --- Coordinator -> Worker messages ---

type WriteFile struct {
	Path  string
	Bytes []byte
}

type DeleteFile struct {
	Path string
}

type ReadFile struct {
	Path string
}

type ExecuteCommand struct {
	Cmd  string
	Args []string
	Env  map[string]string
	Cwd  *string
}

type StdinPacket struct {
	Data string
}

type StdinClose struct{}

type Kill struct{}

// --- Worker -> Coordinator messages ---

type WriteFileResponse struct{}

type DeleteFileResponse struct{}

type ReadFileResponse struct {
	Bytes []byte
}

type ExecuteCommandResponse struct {
	Success    bool
	ExitDetail string
}

type StdoutPacket struct {
	Data string
}

type StderrPacket struct {
	Data string
}

type CommandStatistics struct {
	TotalTimeSecs        float64
	ResidentSetSizeBytes uint64
}

// Error is the legacy single-string error variant, kept for backward
// compatibility with older workers; the host adapts it into Error2 at the
// Container boundary.
type Error struct {
	Message string
}

// Error2 is a linked error chain: Message describes this link, Source (if
// non-nil) is the cause beneath it.
type Error2 struct {
	Message string
	Source  *Error2
}

// Chain renders the Error2 as a flat, outermost-cause-first string.
func (e *Error2) Chain() string {
	if e == nil {
		return ""
	}
	s := e.Message
	for cur := e.Source; cur != nil; cur = cur.Source {
		s += ": " + cur.Message
	}
	return s
}

// Encoder writes Envelopes to an underlying stream. It is safe for
// concurrent use by multiple goroutines: each Send call is serialized by an
// internal mutex so that callers never interleave partial encodings onto
// the wire, mirroring the lockedEncoder idiom used for this exact protocol
// shape elsewhere in the example pack.
type Encoder struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *gob.Encoder
}

// NewEncoder wraps w in a buffered, mutex-guarded gob encoder.
func NewEncoder(w io.Writer) *Encoder {
	buf := bufio.NewWriter(w)
	return &Encoder{buf: buf, enc: gob.NewEncoder(buf)}
}

// Send encodes and flushes one envelope.
func (e *Encoder) Send(env Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(env); err != nil {
		return fmt.Errorf("wire: serialize envelope: %w", err)
	}
	if err := e.buf.Flush(); err != nil {
		return fmt.Errorf("wire: flush envelope: %w", err)
	}
	return nil
}

// Decoder reads Envelopes from an underlying stream.
type Decoder struct {
	dec *gob.Decoder
}

// NewDecoder wraps r in a gob decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: gob.NewDecoder(bufio.NewReader(r))}
}

// Recv decodes the next envelope. A clean io.EOF is returned verbatim so
// callers can treat it as a normal end-of-session signal rather than an
// error, per the wire format's invariant that EOF-while-awaiting-the-next-
// record is not a protocol violation.
func (d *Decoder) Recv() (Envelope, error) {
	var env Envelope
	if err := d.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("wire: deserialize envelope: %w", err)
	}
	return env, nil
}
