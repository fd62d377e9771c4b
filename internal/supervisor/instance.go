package supervisor

import (
	"sync"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/status"
)

// internalState is the Supervisor's private notion of instance
// residency. It is deliberately distinct from status.ExecutionStatus,
// which is a pure projection of the oplog.
type internalState int

const (
	stateUnloaded internalState = iota
	stateWaitingForPermit
	stateLoading
	stateRunning
)

func (s internalState) String() string {
	switch s {
	case stateUnloaded:
		return "Unloaded"
	case stateWaitingForPermit:
		return "WaitingForPermit"
	case stateLoading:
		return "Loading"
	case stateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// interruptRequest is the pending set_interrupting request, if any.
type interruptRequest struct {
	kind oplog.InterruptKind
	done []chan struct{}
}

// Instance is the single in-memory representation of one logical
// worker: its queue, internal load state, cached projected status, and
// (while loaded) its engine-side Context.
type Instance struct {
	mu sync.Mutex

	id               ids.OwnedWorkerID
	envName          string
	env              map[string]string
	args             []string
	componentVersion ids.ComponentVersion
	parent           *ids.WorkerID

	internal internalState
	cached   *status.WorkerStatusRecord

	queue     invocationQueue
	interrupt *interruptRequest

	permit    admission.Permit
	hasPermit bool
	// extraPermits holds any additional permits granted mid-invocation
	// via IncreaseMemory, released alongside the main load permit.
	extraPermits []admission.Permit
	engineCtx    engine.Context
	deleted      bool

	// oplogHandleCache is the instance's persistent oplog.Handle, opened
	// once on first need and kept for the instance's lifetime.
	oplogHandleCache oplog.Handle

	loaded *loadedBus

	// wake is signaled whenever new queue work, an interrupt, or a stop
	// request arrives while the execution loop might be parked waiting
	// on its command channel.
	wake chan struct{}

	// loopRunning is true while an execution-loop goroutine owns this
	// instance; Supervisor.startIfNeeded uses it to avoid double-starting.
	loopRunning bool

	// stopRequested short-circuits the loop at its next suspend point.
	stopRequested bool

	oomRetryCount int

	// ephemeral mirrors the loaded module's Ephemeral flag: the
	// Execution Loop requests unload right after a successful
	// invocation instead of keeping the instance running for further
	// queued work.
	ephemeral bool

	// exports is the loaded module's declared export shapes, keyed by
	// name, used to catch a guest returning the wrong result arity.
	exports map[string]engine.ExportSignature
}

func newInstance(id ids.OwnedWorkerID) *Instance {
	return &Instance{
		id:       id,
		internal: stateUnloaded,
		cached:   status.NewEmpty(),
		loaded:   newLoadedBus(),
		wake:     make(chan struct{}, 1),
	}
}

func (inst *Instance) signal() {
	select {
	case inst.wake <- struct{}{}:
	default:
	}
}

// Handle is the opaque reference returned by GetOrCreateSuspended and
// threaded through every other Supervisor method.
type Handle struct {
	inst *Instance
}

// ID returns the owned worker identity this handle refers to.
func (h Handle) ID() ids.OwnedWorkerID { return h.inst.id }
