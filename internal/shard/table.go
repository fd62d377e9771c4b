// Package shard implements the Shard Table: the read-mostly set of
// shard IDs this node currently owns. The RWMutex +
// plain map pattern is grounded on the teacher's gossip/quorum.go
// evaluator, adapted from a per-process observation map to a
// per-node ownership set.
package shard

import (
	"sync"

	"github.com/corehost/workerd/internal/ids"
)

// RevokedHandler is invoked once per tracked instance whose shard left
// the owned set on revoke_shards. What happens to the instance is up to
// the handler the caller passes; the Dispatcher registers none, so no
// code path in this repository interrupts workers on revocation.
type RevokedHandler func(id ids.OwnedWorkerID)

// Table is the node's view of shard ownership.
type Table struct {
	mu sync.RWMutex

	count  ids.ShardCount
	owned  map[ids.ShardID]struct{}
	host   string
	port   int

	// tracked maps a shard ID to the owned worker IDs currently loaded
	// on it, so revoke_shards knows which instances to interrupt.
	tracked map[ids.ShardID]map[ids.OwnedWorkerID]struct{}
}

// New creates an empty Table. The external coordinator populates it via
// Register/AssignShards.
func New() *Table {
	return &Table{
		owned:   map[ids.ShardID]struct{}{},
		tracked: map[ids.ShardID]map[ids.OwnedWorkerID]struct{}{},
	}
}

// Register sets this node's address and returns the total shard count
// and the set of shards assigned so far.
func (t *Table) Register(host string, port int, totalShards ids.ShardCount) (ids.ShardCount, []ids.ShardID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.host = host
	t.port = port
	t.count = totalShards
	return t.count, t.ownedLocked()
}

// AssignShards adds shards to the owned set.
func (t *Table) AssignShards(shardIDs []ids.ShardID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range shardIDs {
		t.owned[id] = struct{}{}
	}
}

// RevokeShards removes shards from the owned set and invokes onRevoked
// once per instance tracked on a revoked shard. The instance-tracking
// maps for those shards are cleared once notified.
func (t *Table) RevokeShards(shardIDs []ids.ShardID, onRevoked RevokedHandler) {
	t.mu.Lock()
	var toNotify []ids.OwnedWorkerID
	for _, sid := range shardIDs {
		delete(t.owned, sid)
		for workerID := range t.tracked[sid] {
			toNotify = append(toNotify, workerID)
		}
		delete(t.tracked, sid)
	}
	t.mu.Unlock()

	if onRevoked == nil {
		return
	}
	for _, id := range toNotify {
		onRevoked(id)
	}
}

// Owns reports whether shardID is currently owned by this node.
func (t *Table) Owns(shardID ids.ShardID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.owned[shardID]
	return ok
}

// OwnsWorker is a convenience wrapper computing the worker's shard
// under the configured shard count and checking ownership.
func (t *Table) OwnsWorker(id ids.OwnedWorkerID) bool {
	t.mu.RLock()
	count := t.count
	t.mu.RUnlock()
	return t.Owns(ids.ShardOf(id, count))
}

// Track records that id is loaded on its shard, so a later
// RevokeShards call knows to interrupt it. The Dispatcher calls this
// after a successful get_or_create_suspended/start_if_needed.
func (t *Table) Track(id ids.OwnedWorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid := ids.ShardOf(id, t.count)
	set, ok := t.tracked[sid]
	if !ok {
		set = map[ids.OwnedWorkerID]struct{}{}
		t.tracked[sid] = set
	}
	set[id] = struct{}{}
}

// Untrack removes id from the tracking set, e.g. on stop/delete.
func (t *Table) Untrack(id ids.OwnedWorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid := ids.ShardOf(id, t.count)
	delete(t.tracked[sid], id)
}

// ShardCount returns the configured total shard count.
func (t *Table) ShardCount() ids.ShardCount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// OwnedShards returns a snapshot of currently owned shard IDs.
func (t *Table) OwnedShards() []ids.ShardID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ownedLocked()
}

func (t *Table) ownedLocked() []ids.ShardID {
	out := make([]ids.ShardID, 0, len(t.owned))
	for id := range t.owned {
		out = append(out, id)
	}
	return out
}
