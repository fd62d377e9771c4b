// Package status, projector.go
//
// Fold is the pure function at the heart of the Status Projector: given
// a cached WorkerStatusRecord at index k and the raw entries in (k,
// last], it produces the updated record. Folding the same range twice
// produces the same record; callers may cache the result at any commit
// boundary and must be able to reconstruct from the first entry at any
// time by folding from NewEmpty().
package status

import (
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
)

// Fold applies entries (which must be the dense, ordered continuation of
// cached.OplogIdx) on top of cached and returns the new record. cached is
// never mutated; Fold works on a clone.
func Fold(cached *WorkerStatusRecord, entries []oplog.Entry, defaultPolicy oplog.RetryPolicy) *WorkerStatusRecord {
	r := cached.Clone()
	for _, e := range entries {
		applyEntry(r, e, defaultPolicy)
		r.OplogIdx = e.Index
	}
	return r
}

func effectivePolicy(r *WorkerStatusRecord, fallback oplog.RetryPolicy) oplog.RetryPolicy {
	if r.OverriddenRetryConfig != nil {
		return *r.OverriddenRetryConfig
	}
	return fallback
}

func applyEntry(r *WorkerStatusRecord, e oplog.Entry, defaultPolicy oplog.RetryPolicy) {
	switch d := e.Data.(type) {
	case oplog.Create:
		r.Status = StatusIdle
		r.ComponentVersion = d.ComponentVersion

	case oplog.Restart:
		r.Status = StatusIdle

	case oplog.ImportedFunctionInvoked:
		r.Status = StatusRunning

	case oplog.ExportedFunctionInvoked:
		r.Status = StatusRunning
		key := d.IdempotencyKey
		r.CurrentIdempotencyKey = &key
		removePendingInvocation(r, d.IdempotencyKey)

	case oplog.NoOp:
		r.Status = StatusRunning

	case oplog.Jump:
		r.Status = StatusRunning
		r.DeletedRegions = append(r.DeletedRegions, DeletedRegion{From: d.From, To: d.To})

	case oplog.ChangeRetryPolicy:
		r.Status = StatusRunning
		policy := d.Policy
		r.OverriddenRetryConfig = &policy

	case oplog.BeginAtomicRegion:
		r.Status = StatusRunning
	case oplog.EndAtomicRegion:
		r.Status = StatusRunning
	case oplog.BeginRemoteWrite:
		r.Status = StatusRunning
	case oplog.EndRemoteWrite:
		r.Status = StatusRunning
	case oplog.Log:
		r.Status = StatusRunning

	case oplog.ExportedFunctionCompleted:
		r.Status = StatusIdle
		r.InvocationResults[d.IdempotencyKey] = e.Index
		clearCurrentKeyIfMatches(r, d.IdempotencyKey)
		resetRetryCount(r, d.IdempotencyKey.String())

	case oplog.Suspend:
		r.Status = StatusSuspended

	case oplog.Error:
		policy := effectivePolicy(r, defaultPolicy)
		origin := d.Origin
		if origin == "" {
			origin = d.IdempotencyKey.String()
		}
		r.CurrentRetryCount[origin]++
		if retriable(d.Class, r.CurrentRetryCount[origin], policy) {
			r.Status = StatusRetrying
		} else {
			r.Status = StatusFailed
		}
		if d.IdempotencyKey != (ids.IdempotencyKey{}) {
			r.InvocationResults[d.IdempotencyKey] = e.Index
			clearCurrentKeyIfMatches(r, d.IdempotencyKey)
		}
		if d.Detail != "" {
			r.StderrTail = d.Detail
		}

	case oplog.Interrupted:
		r.Status = StatusInterrupted

	case oplog.Exited:
		r.Status = StatusExited
		if d.IdempotencyKey != (ids.IdempotencyKey{}) {
			r.InvocationResults[d.IdempotencyKey] = e.Index
			clearCurrentKeyIfMatches(r, d.IdempotencyKey)
		}

	case oplog.PendingWorkerInvocation:
		r.PendingInvocations = append(r.PendingInvocations, PendingInvocation{
			IdempotencyKey: d.IdempotencyKey,
			FunctionName:   d.FunctionName,
			Args:           d.Args,
			EnqueuedAt:     d.EnqueuedAt,
		})

	case oplog.PendingUpdate:
		if r.Status == StatusFailed {
			r.Status = StatusRetrying
		}
		r.PendingUpdates = append(r.PendingUpdates, d)
		r.pendingUpdateIndices = append(r.pendingUpdateIndices, e.Index)
		removePendingManualUpdate(r, d.Target)
		recomputeSnapshotHideRegion(r)

	case oplog.FailedUpdate:
		r.FailedUpdates = append(r.FailedUpdates, d)
		popPendingUpdate(r)
		recomputeSnapshotHideRegion(r)

	case oplog.SuccessfulUpdate:
		r.SuccessfulUpdates = append(r.SuccessfulUpdates, d)
		popPendingUpdate(r)
		recomputeSnapshotHideRegion(r)
		r.ComponentVersion = d.Target.TargetVersion
		r.ComponentSize = d.NewComponentSize
		r.ActivePlugins = make(map[string]struct{}, len(d.NewActivePlugins))
		for _, p := range d.NewActivePlugins {
			r.ActivePlugins[p] = struct{}{}
		}

	case oplog.GrowMemory:
		r.TotalLinearMemorySize += d.Delta

	case oplog.CreateResource:
		r.OwnedResources[d.Resource] = ResourceState{}
	case oplog.DropResource:
		delete(r.OwnedResources, d.Resource)
	case oplog.DescribeResource:
		r.OwnedResources[d.Resource] = ResourceState{Description: d.Description}

	case oplog.ActivatePlugin:
		r.ActivePlugins[d.PluginID] = struct{}{}
	case oplog.DeactivatePlugin:
		delete(r.ActivePlugins, d.PluginID)
	}
}

func isSnapshotBased(t oplog.UpdateTarget) bool {
	return t.SnapshotKey != nil
}

// recomputeSnapshotHideRegion drops any existing override and rebuilds it
// from scratch from whatever now sits at the head of PendingUpdates,
// mirroring calculate_deleted_regions's drop-then-reapply algorithm: the
// override hides everything up to and including the update record itself
// only while that update is still pending, and disappears the instant it
// is popped, whether by success or failure.
func recomputeSnapshotHideRegion(r *WorkerStatusRecord) {
	r.SnapshotHideRegion = nil
	if len(r.PendingUpdates) == 0 {
		return
	}
	head := r.PendingUpdates[0]
	if !isSnapshotBased(head.Target) {
		return
	}
	headIdx := r.pendingUpdateIndices[0]
	r.SnapshotHideRegion = &DeletedRegion{From: 1, To: headIdx + 1}
}

func retriable(class oplog.ErrorClass, attempt int, policy oplog.RetryPolicy) bool {
	switch class {
	case oplog.ErrorClassInvalidRequest, oplog.ErrorClassStackOverflow:
		return false
	case oplog.ErrorClassOutOfMemory:
		return true
	default: // Unknown
		max := policy.MaxAttempts
		if max <= 0 {
			max = 1
		}
		return attempt < max
	}
}

func clearCurrentKeyIfMatches(r *WorkerStatusRecord, key ids.IdempotencyKey) {
	if r.CurrentIdempotencyKey != nil && *r.CurrentIdempotencyKey == key {
		r.CurrentIdempotencyKey = nil
	}
}

func resetRetryCount(r *WorkerStatusRecord, origin string) {
	delete(r.CurrentRetryCount, origin)
}

func removePendingInvocation(r *WorkerStatusRecord, key ids.IdempotencyKey) {
	out := r.PendingInvocations[:0]
	for _, p := range r.PendingInvocations {
		if p.IdempotencyKey != key {
			out = append(out, p)
		}
	}
	r.PendingInvocations = out
}

func removePendingManualUpdate(r *WorkerStatusRecord, target oplog.UpdateTarget) {
	out := r.PendingManualUpdates[:0]
	for _, m := range r.PendingManualUpdates {
		if m.Target.TargetVersion != target.TargetVersion {
			out = append(out, m)
		}
	}
	r.PendingManualUpdates = out
}

func popPendingUpdate(r *WorkerStatusRecord) {
	if len(r.PendingUpdates) == 0 {
		return
	}
	r.PendingUpdates = r.PendingUpdates[1:]
	r.pendingUpdateIndices = r.pendingUpdateIndices[1:]
}
