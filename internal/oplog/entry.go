// Package oplog, entry.go
//
// Defines the tagged-variant oplog entry format and the in-memory
// representation the rest of the core folds over.
//
// An Entry is a timestamped envelope around exactly one Data variant.
// Variants are plain structs implementing the marker interface Data;
// callers type-switch on Entry.Data the way the status projector does.
package oplog

import (
	"time"

	"github.com/corehost/workerd/internal/ids"
)

// Kind tags which variant an Entry carries. Kept alongside Data (rather
// than relying on a type switch everywhere) because the bbolt encoding
// and metrics labels need a stable string/byte tag independent of Go's
// reflected type name.
type Kind uint8

const (
	KindCreate Kind = iota + 1
	KindImportedFunctionInvoked
	KindExportedFunctionInvoked
	KindExportedFunctionCompleted
	KindSuspend
	KindError
	KindNoOp
	KindJump
	KindInterrupted
	KindExited
	KindChangeRetryPolicy
	KindBeginAtomicRegion
	KindEndAtomicRegion
	KindBeginRemoteWrite
	KindEndRemoteWrite
	KindPendingWorkerInvocation
	KindPendingUpdate
	KindFailedUpdate
	KindSuccessfulUpdate
	KindGrowMemory
	KindCreateResource
	KindDropResource
	KindDescribeResource
	KindLog
	KindRestart
	KindActivatePlugin
	KindDeactivatePlugin
)

// Data is the marker interface every entry variant implements.
type Data interface {
	Kind() Kind
}

// Entry is one persisted record in an instance's oplog.
type Entry struct {
	Index     ids.OplogIndex
	Timestamp time.Time
	Data      Data
}

// ── Variants ────────────────────────────────────────────────────────────

// Create is the first entry of an instance's oplog.
type Create struct {
	Env              map[string]string
	Args             []string
	ComponentVersion ids.ComponentVersion
	Parent           *ids.WorkerID
}

func (Create) Kind() Kind { return KindCreate }

// ImportedFunctionInvoked records a host-call side effect so replay does
// not re-execute it against the outside world.
type ImportedFunctionInvoked struct {
	FunctionName string
	Request      PayloadRef
	Response     PayloadRef
}

func (ImportedFunctionInvoked) Kind() Kind { return KindImportedFunctionInvoked }

// ExportedFunctionInvoked marks the start of a guest-visible invocation.
type ExportedFunctionInvoked struct {
	IdempotencyKey ids.IdempotencyKey
	FunctionName   string
	Args           PayloadRef
}

func (ExportedFunctionInvoked) Kind() Kind { return KindExportedFunctionInvoked }

// ExportedFunctionCompleted carries a reference to the invocation result.
type ExportedFunctionCompleted struct {
	IdempotencyKey ids.IdempotencyKey
	Result         PayloadRef
	ConsumedFuel   int64
}

func (ExportedFunctionCompleted) Kind() Kind { return KindExportedFunctionCompleted }

// Suspend records the execution loop suspending the engine.
type Suspend struct{}

func (Suspend) Kind() Kind { return KindSuspend }

// ErrorClass classifies a failure for retry purposes.
type ErrorClass string

const (
	ErrorClassInvalidRequest ErrorClass = "invalid_request"
	ErrorClassStackOverflow  ErrorClass = "stack_overflow"
	ErrorClassUnknown        ErrorClass = "unknown"
	ErrorClassOutOfMemory    ErrorClass = "out_of_memory"
)

// Error records a typed guest-attributable failure.
type Error struct {
	IdempotencyKey ids.IdempotencyKey
	Class          ErrorClass
	Detail         string
	// Origin identifies the distinct retry-counting bucket this error
	// belongs to (typically the function name); current_retry_count is
	// keyed by origin.
	Origin string
}

func (Error) Kind() Kind { return KindError }

// NoOp carries no semantic payload; used to pad the log without
// affecting status beyond moving it to Running.
type NoOp struct{}

func (NoOp) Kind() Kind { return KindNoOp }

// Jump marks a half-open [From, To) index range that replay must treat
// as absent.
type Jump struct {
	From ids.OplogIndex
	To   ids.OplogIndex
}

func (Jump) Kind() Kind { return KindJump }

// Interrupted records an interruption that must survive a restart.
type InterruptKind string

const (
	InterruptKindInterrupt InterruptKind = "interrupt"
	InterruptKindRestart   InterruptKind = "restart"
	InterruptKindSuspend   InterruptKind = "suspend"
)

type Interrupted struct {
	Kind InterruptKind
}

func (Interrupted) Kind() Kind { return KindInterrupted }

// Exited records a guest-initiated exit.
type Exited struct {
	IdempotencyKey ids.IdempotencyKey
}

func (Exited) Kind() Kind { return KindExited }

// RetryPolicy configures backoff for retried invocations.
type RetryPolicy struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	MaxAttempts int
}

// ChangeRetryPolicy overrides the effective retry policy from this point
// forward.
type ChangeRetryPolicy struct {
	Policy RetryPolicy
}

func (ChangeRetryPolicy) Kind() Kind { return KindChangeRetryPolicy }

// BeginAtomicRegion / EndAtomicRegion bracket a region whose host calls
// must be replayed as a unit.
type BeginAtomicRegion struct{}

func (BeginAtomicRegion) Kind() Kind { return KindBeginAtomicRegion }

type EndAtomicRegion struct{}

func (EndAtomicRegion) Kind() Kind { return KindEndAtomicRegion }

// BeginRemoteWrite / EndRemoteWrite bracket a region with an
// at-least-once remote write that replay must not duplicate blindly.
type BeginRemoteWrite struct{}

func (BeginRemoteWrite) Kind() Kind { return KindBeginRemoteWrite }

type EndRemoteWrite struct{}

func (EndRemoteWrite) Kind() Kind { return KindEndRemoteWrite }

// PendingWorkerInvocation is persisted before an invocation is serviced,
// so status.pending_invocations reflects only committed facts.
type PendingWorkerInvocation struct {
	IdempotencyKey ids.IdempotencyKey
	FunctionName   string
	Args           PayloadRef
	EnqueuedAt     time.Time
}

func (PendingWorkerInvocation) Kind() Kind { return KindPendingWorkerInvocation }

// UpdateTarget describes a requested component-version upgrade.
type UpdateTarget struct {
	TargetVersion ids.ComponentVersion
	// SnapshotKey is set only for snapshot-based (manual) updates, once
	// the snapshot payload has been captured.
	SnapshotKey *PayloadRef
	Description string
}

// PendingUpdate enqueues an update request.
type PendingUpdate struct {
	Target    UpdateTarget
	Timestamp time.Time
}

func (PendingUpdate) Kind() Kind { return KindPendingUpdate }

// FailedUpdate records that the head-of-queue update could not complete.
type FailedUpdate struct {
	Target UpdateTarget
	Reason string
}

func (FailedUpdate) Kind() Kind { return KindFailedUpdate }

// SuccessfulUpdate records a completed upgrade and the new component
// facts that result from it.
type SuccessfulUpdate struct {
	Target            UpdateTarget
	NewComponentSize  uint64
	NewActivePlugins  []string
}

func (SuccessfulUpdate) Kind() Kind { return KindSuccessfulUpdate }

// GrowMemory records a linear memory growth delta, in bytes.
type GrowMemory struct {
	Delta int64
}

func (GrowMemory) Kind() Kind { return KindGrowMemory }

// ResourceID names a guest-owned resource handle.
type ResourceID uint64

// CreateResource / DropResource / DescribeResource track guest resource
// ownership for status.owned_resources.
type CreateResource struct {
	Resource ResourceID
}

func (CreateResource) Kind() Kind { return KindCreateResource }

type DropResource struct {
	Resource ResourceID
}

func (DropResource) Kind() Kind { return KindDropResource }

type DescribeResource struct {
	Resource    ResourceID
	Description string
}

func (DescribeResource) Kind() Kind { return KindDescribeResource }

// Log records a guest log line for the connect stream's replay buffer.
type Log struct {
	Level   string
	Message string
}

func (Log) Kind() Kind { return KindLog }

// Restart records that the instance was restarted (retry, reload, or
// shard reassignment).
type Restart struct {
	Reason string
}

func (Restart) Kind() Kind { return KindRestart }

// ActivatePlugin / DeactivatePlugin track the active plugin set.
type ActivatePlugin struct {
	PluginID string
}

func (ActivatePlugin) Kind() Kind { return KindActivatePlugin }

type DeactivatePlugin struct {
	PluginID string
}

func (DeactivatePlugin) Kind() Kind { return KindDeactivatePlugin }
