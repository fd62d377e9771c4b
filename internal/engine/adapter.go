// Package engine defines the Engine Adapter contract: the boundary
// between the core and the out-of-scope bytecode engine. The core never
// imports a concrete engine; it depends on this interface, the same way
// the teacher's kernel event processor depends on an injected
// *bpf.Objects rather than reaching into the kernel directly.
package engine

import (
	"context"
	"time"

	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/retry"
)

// Module is a linked, ready-to-instantiate guest module plus the static
// facts the Supervisor needs before running it.
type Module struct {
	ComponentID      ids.ComponentID
	ComponentVersion ids.ComponentVersion
	Metadata         ModuleMetadata
}

// ModuleMetadata carries declared exports, initial memory sizing, and
// the plugin set installed into this module.
type ModuleMetadata struct {
	Exports             []ExportSignature
	InitialLinearMemory int64
	ComponentSize       uint64
	InstalledPlugins    []string

	// Ephemeral marks a stateless component: the Execution Loop requests
	// unload immediately after each successful invocation instead of
	// keeping the instance loaded for further queued work.
	Ephemeral bool
}

// ExportSignature names a guest export and its declared parameter/result
// shape well enough for ValueMismatch detection. ResultCount is checked
// by the Execution Loop against what an invocation actually produced; a
// negative ResultCount means the arity is not statically known and the
// check is skipped (the shape of a component export is always known, but
// some legacy or dynamically-linked modules do not carry one).
type ExportSignature struct {
	Name        string
	ParamCount  int
	ResultCount int
}

// WorkerConfig is passed to Create: the per-instance facts the host
// context needs.
type WorkerConfig struct {
	Args                 []string
	Env                  map[string]string
	DeletedRegions       []DeletedRegion
	TotalLinearMemoryEst int64
	ComponentVersion     ids.ComponentVersion
}

// DeletedRegion mirrors status.DeletedRegion without importing the
// status package (engine must not depend on it; the dependency runs
// the other way).
type DeletedRegion struct {
	From, To ids.OplogIndex
}

// Context is the per-instance host context constructed by Create. The
// Supervisor holds it for the lifetime of one Loading/Running cycle and
// discards it on unload; a fresh Context is built on every reload.
type Context interface {
	// Close releases any native resources. Idempotent.
	Close() error
}

// TrapType classifies how a guest invocation ended abnormally.
type TrapType string

const (
	TrapInterrupt TrapType = "interrupt"
	TrapRestart   TrapType = "restart"
	TrapExit      TrapType = "exit"
	TrapError     TrapType = "error"
)

// InvokeOutcome is the tag of an InvokeResult.
type InvokeOutcome int

const (
	InvokeSucceeded InvokeOutcome = iota
	InvokeFailed
	InvokeExited
	InvokeInterrupted
)

// InvokeResult is the result of one invoke_worker call.
type InvokeResult struct {
	Outcome      InvokeOutcome
	Output       oplog.PayloadRef
	ConsumedFuel int64
	Err          error
	ErrorClass   oplog.ErrorClass
	Trap         TrapType
	Interrupt    oplog.InterruptKind
}

// Adapter is the contract the Instance Supervisor consumes. A concrete
// implementation wraps the out-of-scope bytecode engine; FakeAdapter (fake.go)
// is the in-process test double used by this repository's own tests.
type Adapter interface {
	// GetModule returns a linked module ready to instantiate.
	GetModule(ctx context.Context, env string, component ids.ComponentID, version ids.ComponentVersion) (Module, error)

	// Create constructs the per-instance host context.
	Create(ctx context.Context, id ids.OwnedWorkerID, module Module, cfg WorkerConfig) (Context, error)

	// PrepareInstance replays the instance to the point of the last
	// un-replayed oplog entry and returns the resulting RetryDecision.
	PrepareInstance(ctx context.Context, id ids.WorkerID, instCtx Context, lastReplayedIdx ids.OplogIndex) (retry.RetryDecision, error)

	// InvokeWorker drives one exported-function call. store resolves
	// args into real values and is where a successful result's output
	// is put back as a content-addressed payload.
	InvokeWorker(ctx context.Context, fullFunctionName string, args oplog.PayloadRef, store oplog.Handle, instCtx Context) (InvokeResult, error)

	// RefillFuel is called when the engine reports zero fuel remaining;
	// the host "borrows" more so execution can continue.
	RefillFuel(instCtx Context, amount int64) error

	// InstallEpochDeadline arranges for the engine to call back (via the
	// returned channel closing, or an error on it) when deadline
	// elapses, so the execution loop can decide whether to interrupt.
	InstallEpochDeadline(instCtx Context, deadline time.Duration) (<-chan struct{}, error)
}
