// Package apierr defines the typed domain errors the core returns across
// its external interfaces. Callers compare against these with
// errors.Is/errors.As; at the gRPC boundary the dispatcher's
// toGRPCStatus maps several kinds to distinct status codes and every
// other kind to Internal.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error. Kind values are stable and may be
// logged or exported as a metric label.
type Kind string

const (
	KindInvalidRequest           Kind = "invalid_request"
	KindWorkerNotFound           Kind = "worker_not_found"
	KindWorkerAlreadyExists      Kind = "worker_already_exists"
	KindWrongShard               Kind = "wrong_shard"
	KindComponentParseFailed     Kind = "component_parse_failed"
	KindPreviousInvocationFailed Kind = "previous_invocation_failed"
	KindPreviousInvocationExited Kind = "previous_invocation_exited"
	KindInterrupted              Kind = "interrupted"
	KindValueMismatch            Kind = "value_mismatch"
	KindOutOfMemory              Kind = "out_of_memory"
	KindRuntime                  Kind = "runtime"
	KindUnknown                  Kind = "unknown"
)

// Error is the concrete typed error value returned across the core's
// contracts. Detail is a human-readable explanation; it is never used
// for programmatic dispatch; callers must switch on Kind.
type Error struct {
	Kind   Kind
	Detail string
	// Stderr carries the tail of captured guest stderr for
	// PreviousInvocationFailed errors.
	Stderr string
	// Cause, if non-nil, is wrapped so errors.Unwrap / errors.As still
	// reach the underlying error from an external collaborator.
	Cause error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, apierr.New(kind, "")) to match by Kind alone,
// ignoring Detail/Stderr/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Detail: cause.Error(), Cause: cause}
}

// WorkerNotFound is a ready-made sentinel for errors.Is comparisons.
var WorkerNotFound = New(KindWorkerNotFound, "")

// WorkerAlreadyExists is a ready-made sentinel for errors.Is comparisons.
var WorkerAlreadyExists = New(KindWorkerAlreadyExists, "")

// WrongShard constructs a routing-failure error; callers retry against
// another node.
func WrongShard(detail string) *Error {
	return New(KindWrongShard, detail)
}

// PreviousInvocationFailed constructs the error returned for any request
// against a worker whose status is Failed.
func PreviousInvocationFailed(detail, stderr string) *Error {
	return &Error{Kind: KindPreviousInvocationFailed, Detail: detail, Stderr: stderr}
}
