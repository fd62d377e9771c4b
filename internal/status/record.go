// Package status implements the Status Projector: the pure fold from
// oplog entries to a WorkerStatusRecord.
package status

import (
	"time"

	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
)

// ExecutionStatus is the externally reported status of an instance.
// Distinct from the Instance Supervisor's internal load state: the
// internal state and the externally-reported status are deliberately
// different views.
type ExecutionStatus string

const (
	StatusIdle        ExecutionStatus = "Idle"
	StatusRunning     ExecutionStatus = "Running"
	StatusSuspended   ExecutionStatus = "Suspended"
	StatusInterrupted ExecutionStatus = "Interrupted"
	StatusRetrying    ExecutionStatus = "Retrying"
	StatusFailed      ExecutionStatus = "Failed"
	StatusExited      ExecutionStatus = "Exited"
)

// PendingInvocation is a queued-but-not-yet-started invocation, as
// reflected by a committed PendingWorkerInvocation entry.
type PendingInvocation struct {
	IdempotencyKey ids.IdempotencyKey
	FunctionName   string
	Args           oplog.PayloadRef
	EnqueuedAt     time.Time
}

// PendingManualUpdate is a manual (snapshot-based) update queued ahead
// of any PendingUpdate entry; removed once the corresponding
// PendingUpdate for the same target is observed.
type PendingManualUpdate struct {
	Target oplog.UpdateTarget
}

// DeletedRegion is a half-open index interval replay must skip.
type DeletedRegion struct {
	From, To ids.OplogIndex
}

// ResourceState is the last known description of a guest-owned resource.
type ResourceState struct {
	Description string
}

// WorkerStatusRecord is the fully derived, cacheable projection of an
// instance's oplog.
type WorkerStatusRecord struct {
	// OplogIdx is the index this record was folded up to.
	OplogIdx ids.OplogIndex

	Status                 ExecutionStatus
	OverriddenRetryConfig  *oplog.RetryPolicy
	PendingInvocations     []PendingInvocation
	PendingManualUpdates   []PendingManualUpdate
	PendingUpdates         []oplog.PendingUpdate
	FailedUpdates          []oplog.FailedUpdate
	SuccessfulUpdates      []oplog.SuccessfulUpdate

	// InvocationResults maps an idempotency key to the oplog index of
	// its completing entry.
	InvocationResults   map[ids.IdempotencyKey]ids.OplogIndex
	CurrentIdempotencyKey *ids.IdempotencyKey

	ComponentVersion       ids.ComponentVersion
	ComponentSize          uint64
	TotalLinearMemorySize  int64

	OwnedResources map[oplog.ResourceID]ResourceState
	ActivePlugins  map[string]struct{}

	// DeletedRegions is the permanent, append-only set of ranges replay
	// must skip: one entry per observed Jump. It never shrinks.
	DeletedRegions []DeletedRegion

	// SnapshotHideRegion additionally hides the pre-update prefix while
	// a snapshot-based update sits at the head of PendingUpdates. Unlike
	// DeletedRegions it is replaced, not appended to, and is recomputed
	// from scratch on every fold that touches the PendingUpdates head;
	// nil whenever no snapshot update is currently pending.
	SnapshotHideRegion *DeletedRegion

	// pendingUpdateIndices is the oplog index each entry in
	// PendingUpdates was committed at, same length and order as
	// PendingUpdates, used to recompute SnapshotHideRegion for whichever
	// entry is currently at the head.
	pendingUpdateIndices []ids.OplogIndex

	// CurrentRetryCount is keyed by the error's Origin.
	CurrentRetryCount map[string]int

	// StderrTail is the Detail of the most recent Error entry that carried
	// one, retriable or not, surfaced via PreviousInvocationFailed.
	StderrTail string
}

// Clone returns a deep-enough copy suitable for use as the next fold's
// starting cache entry: the projector must never mutate the record a
// caller is still holding.
func (r *WorkerStatusRecord) Clone() *WorkerStatusRecord {
	if r == nil {
		return NewEmpty()
	}
	c := *r
	c.PendingInvocations = append([]PendingInvocation(nil), r.PendingInvocations...)
	c.PendingManualUpdates = append([]PendingManualUpdate(nil), r.PendingManualUpdates...)
	c.PendingUpdates = append([]oplog.PendingUpdate(nil), r.PendingUpdates...)
	c.FailedUpdates = append([]oplog.FailedUpdate(nil), r.FailedUpdates...)
	c.SuccessfulUpdates = append([]oplog.SuccessfulUpdate(nil), r.SuccessfulUpdates...)
	c.DeletedRegions = append([]DeletedRegion(nil), r.DeletedRegions...)
	c.pendingUpdateIndices = append([]ids.OplogIndex(nil), r.pendingUpdateIndices...)
	if r.SnapshotHideRegion != nil {
		region := *r.SnapshotHideRegion
		c.SnapshotHideRegion = &region
	}

	c.InvocationResults = make(map[ids.IdempotencyKey]ids.OplogIndex, len(r.InvocationResults))
	for k, v := range r.InvocationResults {
		c.InvocationResults[k] = v
	}
	c.OwnedResources = make(map[oplog.ResourceID]ResourceState, len(r.OwnedResources))
	for k, v := range r.OwnedResources {
		c.OwnedResources[k] = v
	}
	c.ActivePlugins = make(map[string]struct{}, len(r.ActivePlugins))
	for k := range r.ActivePlugins {
		c.ActivePlugins[k] = struct{}{}
	}
	c.CurrentRetryCount = make(map[string]int, len(r.CurrentRetryCount))
	for k, v := range r.CurrentRetryCount {
		c.CurrentRetryCount[k] = v
	}
	if r.CurrentIdempotencyKey != nil {
		key := *r.CurrentIdempotencyKey
		c.CurrentIdempotencyKey = &key
	}
	return &c
}

// EffectiveDeletedRegions returns the permanent Jump-derived regions plus
// the current snapshot-hide override, if any: the full set replay must
// skip right now. Unlike DeletedRegions alone, this reflects a pending
// snapshot update's hidden prefix.
func (r *WorkerStatusRecord) EffectiveDeletedRegions() []DeletedRegion {
	if r.SnapshotHideRegion == nil {
		return r.DeletedRegions
	}
	out := make([]DeletedRegion, 0, len(r.DeletedRegions)+1)
	out = append(out, r.DeletedRegions...)
	out = append(out, *r.SnapshotHideRegion)
	return out
}

// NewEmpty returns the zero-value record projected from an empty oplog.
func NewEmpty() *WorkerStatusRecord {
	return &WorkerStatusRecord{
		OplogIdx:              ids.NoIndex,
		Status:                StatusIdle,
		InvocationResults:     map[ids.IdempotencyKey]ids.OplogIndex{},
		OwnedResources:        map[oplog.ResourceID]ResourceState{},
		ActivePlugins:         map[string]struct{}{},
		CurrentRetryCount:     map[string]int{},
	}
}
