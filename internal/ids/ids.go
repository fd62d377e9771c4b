// Package ids defines the identifiers named in the core's data model:
// component, worker, owned-worker, shard, and idempotency-key values.
//
// All identifiers are immutable value types so they can be used as map
// keys and compared with ==.
package ids

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// ComponentID names a versioned guest module.
type ComponentID struct {
	Value uuid.UUID
}

// ComponentVersion is a monotonically increasing version of a component.
type ComponentVersion uint64

func (c ComponentID) String() string { return c.Value.String() }

// WorkerName is the human-assigned name of a logical instance.
type WorkerName string

// WorkerID names a logical instance: (component, name).
type WorkerID struct {
	Component ComponentID
	Name      WorkerName
}

func (w WorkerID) String() string {
	return fmt.Sprintf("%s/%s", w.Component, w.Name)
}

// EnvironmentID scopes all state to a tenant/environment.
type EnvironmentID struct {
	Value uuid.UUID
}

func (e EnvironmentID) String() string { return e.Value.String() }

// OwnedWorkerID is (environment, worker), the fully tenant-scoped identity.
type OwnedWorkerID struct {
	Environment EnvironmentID
	Worker      WorkerID
}

func (o OwnedWorkerID) String() string {
	return fmt.Sprintf("%s:%s", o.Environment, o.Worker)
}

// ShardCount is the configured number of shards in the cluster.
type ShardCount uint32

// ShardID is a stable hash of a worker ID modulo the shard count.
type ShardID uint32

// ShardOf computes the shard ID of an owned worker ID for a given shard
// count. The hash is over the owned worker ID's string form so it is
// stable across process restarts and nodes.
func ShardOf(id OwnedWorkerID, count ShardCount) ShardID {
	if count == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.String()))
	return ShardID(h.Sum32() % uint32(count))
}

// IdempotencyKey tags an invocation so retries collapse onto one
// persisted execution.
type IdempotencyKey struct {
	Value uuid.UUID
}

func (k IdempotencyKey) String() string { return k.Value.String() }

// MarshalText/UnmarshalText let IdempotencyKey serve as a JSON object key
// (encoding/json requires encoding.TextMarshaler for non-string map keys),
// used by the worker metadata store's denormalized status cache.
func (k IdempotencyKey) MarshalText() ([]byte, error) { return []byte(k.Value.String()), nil }

func (k *IdempotencyKey) UnmarshalText(text []byte) error {
	v, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("ids: invalid idempotency key %q: %w", text, err)
	}
	k.Value = v
	return nil
}

// NewIdempotencyKey generates a fresh, random idempotency key. Callers
// that need determinism (e.g. a client-supplied retry token) should
// construct IdempotencyKey directly instead of calling this.
func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey{Value: uuid.New()}
}

// OplogIndex is a monotonically increasing, per-instance 64-bit sequence
// number. The first entry of an instance is at index 1; index 0 is never
// assigned and is used as a sentinel for "no entries yet".
type OplogIndex uint64

// NoIndex is the sentinel value meaning "before the first oplog entry".
const NoIndex OplogIndex = 0

// Next returns the index immediately following this one.
func (i OplogIndex) Next() OplogIndex { return i + 1 }
