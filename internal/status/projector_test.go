package status

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
)

func defaultTestPolicy() oplog.RetryPolicy {
	return oplog.RetryPolicy{MinDelay: 1, MaxDelay: 1, Multiplier: 1, Jitter: 0, MaxAttempts: 3}
}

func sampleEntries(t *testing.T) []oplog.Entry {
	t.Helper()
	key := ids.NewIdempotencyKey()
	return []oplog.Entry{
		{Index: 1, Data: oplog.Create{ComponentVersion: 1}},
		{Index: 2, Data: oplog.ExportedFunctionInvoked{IdempotencyKey: key, FunctionName: "add_item"}},
		{Index: 3, Data: oplog.ImportedFunctionInvoked{FunctionName: "http_fetch"}},
		{Index: 4, Data: oplog.ExportedFunctionCompleted{IdempotencyKey: key}},
		{Index: 5, Data: oplog.Suspend{}},
	}
}

// Folding the whole range at once must equal folding it in two pieces
// with the intermediate record cached and resumed, for every split
// point: the property the Status Projector exists to guarantee.
func TestFoldSplitPointEquivalence(t *testing.T) {
	entries := sampleEntries(t)
	policy := defaultTestPolicy()

	whole := Fold(NewEmpty(), entries, policy)

	for split := 0; split <= len(entries); split++ {
		mid := Fold(NewEmpty(), entries[:split], policy)
		piecewise := Fold(mid, entries[split:], policy)
		require.Equal(t, whole, piecewise, "split at %d must match whole fold", split)
	}
}

func TestFoldCreateSetsIdle(t *testing.T) {
	r := Fold(NewEmpty(), []oplog.Entry{{Index: 1, Data: oplog.Create{ComponentVersion: 3}}}, defaultTestPolicy())
	require.Equal(t, StatusIdle, r.Status)
	require.Equal(t, ids.ComponentVersion(3), r.ComponentVersion)
}

func TestFoldErrorRetriesThenFails(t *testing.T) {
	policy := oplog.RetryPolicy{MaxAttempts: 2}
	entries := []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.Error{Class: oplog.ErrorClassUnknown, Origin: "f"}},
	}
	r := Fold(NewEmpty(), entries, policy)
	require.Equal(t, StatusRetrying, r.Status)

	entries = append(entries, oplog.Entry{Index: 3, Data: oplog.Error{Class: oplog.ErrorClassUnknown, Origin: "f"}})
	r = Fold(NewEmpty(), entries, policy)
	require.Equal(t, StatusFailed, r.Status)
}

func TestFoldOutOfMemoryAlwaysRetries(t *testing.T) {
	policy := oplog.RetryPolicy{MaxAttempts: 1}
	entries := []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.Error{Class: oplog.ErrorClassOutOfMemory, Origin: "f"}},
		{Index: 3, Data: oplog.Error{Class: oplog.ErrorClassOutOfMemory, Origin: "f"}},
		{Index: 4, Data: oplog.Error{Class: oplog.ErrorClassOutOfMemory, Origin: "f"}},
	}
	r := Fold(NewEmpty(), entries, policy)
	require.Equal(t, StatusRetrying, r.Status)
}

func TestFoldPendingUpdateRecoversFailedToRetrying(t *testing.T) {
	policy := oplog.RetryPolicy{MaxAttempts: 1}
	entries := []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.Error{Class: oplog.ErrorClassUnknown, Origin: "f"}},
	}
	r := Fold(NewEmpty(), entries, policy)
	require.Equal(t, StatusFailed, r.Status)

	entries = append(entries, oplog.Entry{Index: 3, Data: oplog.PendingUpdate{Target: oplog.UpdateTarget{TargetVersion: 2}}})
	r = Fold(NewEmpty(), entries, policy)
	require.Equal(t, StatusRetrying, r.Status)
}

func TestFoldSnapshotUpdateMarksDeletedRegion(t *testing.T) {
	snapshotKey := &oplog.PayloadRef{}
	entries := []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.PendingUpdate{Target: oplog.UpdateTarget{TargetVersion: 2, SnapshotKey: snapshotKey}}},
	}
	r := Fold(NewEmpty(), entries, defaultTestPolicy())
	require.NotNil(t, r.SnapshotHideRegion)
	require.Equal(t, ids.OplogIndex(1), r.SnapshotHideRegion.From)
	require.Equal(t, ids.OplogIndex(3), r.SnapshotHideRegion.To)
	require.Empty(t, r.DeletedRegions, "a pending snapshot update must not touch the permanent Jump-derived set")
}

// A second snapshot update replaces the override rather than stacking a
// second hidden range on top of the first.
func TestFoldSecondSnapshotUpdateReplacesOverride(t *testing.T) {
	key1 := &oplog.PayloadRef{}
	key2 := &oplog.PayloadRef{}
	entries := []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.PendingUpdate{Target: oplog.UpdateTarget{TargetVersion: 2, SnapshotKey: key1}}},
		{Index: 3, Data: oplog.FailedUpdate{Target: oplog.UpdateTarget{TargetVersion: 2, SnapshotKey: key1}}},
		{Index: 4, Data: oplog.PendingUpdate{Target: oplog.UpdateTarget{TargetVersion: 3, SnapshotKey: key2}}},
	}
	r := Fold(NewEmpty(), entries, defaultTestPolicy())
	require.NotNil(t, r.SnapshotHideRegion)
	require.Equal(t, ids.OplogIndex(1), r.SnapshotHideRegion.From)
	require.Equal(t, ids.OplogIndex(5), r.SnapshotHideRegion.To)
}

// The override disappears the instant the pending update it belongs to is
// popped, whether by success or failure.
func TestFoldOverrideClearedOnCompletion(t *testing.T) {
	snapshotKey := &oplog.PayloadRef{}
	target := oplog.UpdateTarget{TargetVersion: 2, SnapshotKey: snapshotKey}

	failed := Fold(NewEmpty(), []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.PendingUpdate{Target: target}},
		{Index: 3, Data: oplog.FailedUpdate{Target: target}},
	}, defaultTestPolicy())
	require.Nil(t, failed.SnapshotHideRegion)

	succeeded := Fold(NewEmpty(), []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.PendingUpdate{Target: target}},
		{Index: 3, Data: oplog.SuccessfulUpdate{Target: target}},
	}, defaultTestPolicy())
	require.Nil(t, succeeded.SnapshotHideRegion)
}

// A non-snapshot update (no SnapshotKey) never sets an override, and a
// snapshot update queued behind one leaves no override until it reaches
// the head.
func TestFoldOverrideOnlyFromHeadOfQueue(t *testing.T) {
	snapshotKey := &oplog.PayloadRef{}
	plain := oplog.UpdateTarget{TargetVersion: 2}
	snap := oplog.UpdateTarget{TargetVersion: 3, SnapshotKey: snapshotKey}

	r := Fold(NewEmpty(), []oplog.Entry{
		{Index: 1, Data: oplog.Create{}},
		{Index: 2, Data: oplog.PendingUpdate{Target: plain}},
		{Index: 3, Data: oplog.PendingUpdate{Target: snap}},
	}, defaultTestPolicy())
	require.Nil(t, r.SnapshotHideRegion, "snapshot update is not yet at the head of the queue")

	r = Fold(r, []oplog.Entry{
		{Index: 4, Data: oplog.SuccessfulUpdate{Target: plain}},
	}, defaultTestPolicy())
	require.NotNil(t, r.SnapshotHideRegion, "snapshot update is now at the head")
	require.Equal(t, ids.OplogIndex(1), r.SnapshotHideRegion.From)
	require.Equal(t, ids.OplogIndex(4), r.SnapshotHideRegion.To)
}

func TestCloneDoesNotAliasMutableFields(t *testing.T) {
	r := NewEmpty()
	r.PendingInvocations = append(r.PendingInvocations, PendingInvocation{FunctionName: "f"})
	clone := r.Clone()
	clone.PendingInvocations[0].FunctionName = "g"
	require.Equal(t, "f", r.PendingInvocations[0].FunctionName)
}
