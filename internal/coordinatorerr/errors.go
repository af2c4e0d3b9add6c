// Package coordinatorerr defines the error taxonomy described in the design
// (permit acquisition, sandbox lifecycle, codec, multiplex, manifest, and
// per-operation failures) and the host-side flattening used at the public
// API boundary.
package coordinatorerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies where an error originated, grouped the way the design
// groups them.
type Kind string

const (
	KindPermit          Kind = "permit"
	KindSandbox         Kind = "sandbox"
	KindCodec           Kind = "codec"
	KindMultiplex       Kind = "multiplex"
	KindManifest        Kind = "manifest"
	KindOperation       Kind = "operation"
	KindCancelled       Kind = "cancelled"
	KindWorkerOperation Kind = "worker_operation"
)

// Error is a single taxonomy-tagged error link. It wraps an underlying
// cause and carries a Kind + Code for programmatic matching.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Cause.Error())
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a tagged Error.
func New(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Cause: cause}
}

// Permit acquisition failures.
func PermitAcquisitionFailed(cause error) *Error {
	return New(KindPermit, "permit_acquisition_failed", "failed to acquire resource permit", cause)
}

// Sandbox lifecycle failures.
func SpawnWorkerFailed(cause error) *Error {
	return New(KindSandbox, "spawn_worker_failed", "failed to spawn worker process", cause)
}
func CaptureStdinFailed(cause error) *Error {
	return New(KindSandbox, "capture_stdin_failed", "failed to capture worker stdin", cause)
}
func CaptureStdoutFailed(cause error) *Error {
	return New(KindSandbox, "capture_stdout_failed", "failed to capture worker stdout", cause)
}
func TerminateWorkerFailed(cause error) *Error {
	return New(KindSandbox, "terminate_worker_failed", "failed to terminate worker process", cause)
}
func WorkerTaskPanicked(cause error) *Error {
	return New(KindSandbox, "worker_task_panicked", "worker task panicked", cause)
}
func IOQueuePanicked(cause error) *Error {
	return New(KindSandbox, "io_queue_panicked", "io queue task panicked", cause)
}

// Codec failures.
func DeserializeWorkerMessage(cause error) *Error {
	return New(KindCodec, "deserialize_worker_message", "failed to deserialize worker message", cause)
}
func SerializeCoordinatorMessage(cause error) *Error {
	return New(KindCodec, "serialize_coordinator_message", "failed to serialize coordinator message", cause)
}
func StdinFlushFailed(cause error) *Error {
	return New(KindCodec, "stdin_flush_failed", "failed to flush worker stdin", cause)
}

// Multiplex failures.
func DuplicateDemultiplexClient(job fmt.Stringer) *Error {
	return New(KindMultiplex, "duplicate_demultiplex_client", fmt.Sprintf("duplicate demultiplex registration for job %s", job), nil)
}
func SendToDemultiplexer(cause error) *Error {
	return New(KindMultiplex, "send_to_demultiplexer", "failed to send to demultiplexer", cause)
}
func RecvFromDemultiplexer(cause error) *Error {
	return New(KindMultiplex, "recv_from_demultiplexer", "failed to receive from demultiplexer", cause)
}

// Manifest mutator failures.
func ManifestRead(cause error) *Error   { return New(KindManifest, "read", "failed to read build manifest", cause) }
func ManifestWrite(cause error) *Error  { return New(KindManifest, "write", "failed to write build manifest", cause) }
func ManifestParse(cause error) *Error  { return New(KindManifest, "parse", "failed to parse build manifest", cause) }
func ManifestSerialize(cause error) *Error {
	return New(KindManifest, "serialize", "failed to serialize build manifest", cause)
}

// Per-operation failures.
func CouldNotStartContainer(cause error) *Error {
	return New(KindOperation, "could_not_start_container", "could not start container", cause)
}
func CouldNotModifyManifest(cause error) *Error {
	return New(KindOperation, "could_not_modify_manifest", "could not modify manifest", cause)
}
func CouldNotWriteCode(cause error) *Error {
	return New(KindOperation, "could_not_write_code", "could not write code", cause)
}
func CouldNotDeletePreviousCode(cause error) *Error {
	return New(KindOperation, "could_not_delete_previous_code", "could not delete previous code", cause)
}
func CouldNotStartCargo(cause error) *Error {
	return New(KindOperation, "could_not_start_cargo", "could not start cargo task", cause)
}
func CargoTaskPanicked(cause error) *Error {
	return New(KindOperation, "cargo_task_panicked", "cargo task panicked", cause)
}
func CargoFailed(workerCause error) *Error {
	return New(KindWorkerOperation, "cargo_failed", "worker reported a failure", workerCause)
}
func UnexpectedMessage(variant string) *Error {
	return New(KindOperation, "unexpected_message", fmt.Sprintf("unexpected message variant %q", variant), nil)
}
func UnexpectedEndOfMessages() *Error {
	return New(KindOperation, "unexpected_end_of_messages", "worker channel closed without a terminal response", nil)
}
func StdinSendFailed(cause error) *Error {
	return New(KindOperation, "stdin_send_failed", "failed to send stdin packet", cause)
}
func KillSendFailed(cause error) *Error {
	return New(KindOperation, "kill_send_failed", "failed to send kill message", cause)
}
func OutputReadFailed(cause error) *Error {
	return New(KindOperation, "output_read_failed", "failed to read command output", cause)
}
func OutputNotUTF8(cause error) *Error {
	return New(KindOperation, "output_not_utf8", "command output was not valid utf-8", cause)
}

// IsContainerFatal reports whether err indicates the worker process died or
// the codec was corrupted, meaning the Container that produced it must be
// torn down rather than reused for the next request.
func IsContainerFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindSandbox, KindCodec, KindMultiplex:
		return true
	}
	return false
}

// Flatten renders an error chain as a single outermost-cause-first string
// suitable for crossing the public API boundary, the way the design
// requires of every error surfaced to a caller.
func Flatten(err error) string {
	if err == nil {
		return ""
	}
	var parts []string
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		msg := cur.Error()
		if idx := strings.Index(msg, ": "); idx >= 0 && errors.Unwrap(cur) != nil {
			// Avoid duplicating the wrapped cause's own text: when Error()
			// already concatenated the chain (as *Error.Error does), keep
			// that whole message and stop — the rest of the chain is
			// already embedded in msg.
			parts = append(parts, msg)
			break
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, ": ")
}
