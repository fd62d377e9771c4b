// Package oplog, store.go
//
// The Store contract consumed by the Instance Supervisor and Status
// Projector. A concrete Store is an external collaborator from the
// core's point of view; this package also ships
// the one production implementation (bolt_store.go), backed by BoltDB,
// the same way the teacher's internal/storage package is the one
// concrete persistence layer behind an otherwise swappable contract.
package oplog

import (
	"time"

	"github.com/corehost/workerd/internal/ids"
)

// CommitLevel controls how durably Commit flushes pending appends.
type CommitLevel int

const (
	// CommitDurableOnly flushes writes made so far without forcing an
	// fsync beyond what the backing store already guarantees per
	// transaction.
	CommitDurableOnly CommitLevel = iota
	// CommitImmediate is the fsync-equivalent: the caller is guaranteed
	// durability before Commit returns.
	CommitImmediate
)

// Store opens per-instance oplog handles.
type Store interface {
	// GetLastIndex returns the highest assigned index for id, or
	// ids.NoIndex if the instance has no entries yet.
	GetLastIndex(id ids.OwnedWorkerID) (ids.OplogIndex, error)

	// Open returns a Handle bound to id. The caller passes no cached
	// index; the Handle works from the store's own last index for id.
	Open(id ids.OwnedWorkerID) (Handle, error)

	// Close releases the store's underlying resources.
	Close() error
}

// Handle is a per-instance view over the oplog: ordered appends, ranged
// reads, and payload blob access.
type Handle interface {
	// GetLastIndex returns the highest assigned index, or ids.NoIndex.
	GetLastIndex() ids.OplogIndex

	// Read returns the single entry at idx.
	Read(idx ids.OplogIndex) (Entry, error)

	// ReadRange returns the dense sequence of entries in [from, to].
	ReadRange(from, to ids.OplogIndex) ([]Entry, error)

	// AddAndCommit appends data as a new entry, assigns it the next
	// index and the current timestamp, and guarantees durability before
	// returning.
	AddAndCommit(data Data) (Entry, error)

	// Commit flushes any buffered appends at the requested durability
	// level. AddAndCommit already commits at CommitImmediate; Commit is
	// for explicit durability checkpoints the execution loop takes
	// before acknowledging an externally-visible effect.
	Commit(level CommitLevel) error

	// PutPayload stores value as a content-addressed blob and returns
	// its reference.
	PutPayload(value any) (PayloadRef, error)

	// GetPayload decodes the payload at ref into out, which must be a
	// pointer.
	GetPayload(ref PayloadRef, out any) error

	// CreateSnapshotBasedUpdateDescription persists snapshot bytes as a
	// payload and returns an UpdateTarget descriptor for a
	// PendingUpdate entry.
	CreateSnapshotBasedUpdateDescription(targetVersion ids.ComponentVersion, snapshot []byte, description string) (UpdateTarget, error)

	// Close releases any per-instance resources. The underlying Store
	// remains open.
	Close() error
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
