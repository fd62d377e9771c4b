// Package supervisor implements the Instance Supervisor, Invocation
// Queue, and Execution Loop: the single in-memory representation of one
// logical instance and the goroutine that drains its queue against the
// Engine Adapter.
package supervisor

import (
	"time"

	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
)

// QueueItemKind tags one Invocation Queue entry.
type QueueItemKind int

const (
	ItemExportedFunction QueueItemKind = iota
	ItemManualUpdate
	ItemListDirectory
	ItemReadFile
)

// QueueItem is one unit of work the execution loop dispatches in order.
type QueueItem struct {
	Kind           QueueItemKind
	IdempotencyKey ids.IdempotencyKey
	FunctionName   string
	Args           oplog.PayloadRef
	EnqueuedAt     time.Time

	// ManualUpdate
	UpdateTarget ids.ComponentVersion

	// ListDirectory / ReadFile
	Path string

	// resultCh receives the terminal outcome of this item so callers of
	// list_directory/read_file (which are not fire-and-forget like
	// invoke) can synchronize with the execution loop; nil for ordinary
	// invocations, which publish through the Supervisor's event bus
	// instead.
	resultCh chan itemResult
}

type itemResult struct {
	value any
	err   error
}

// invocationQueue is a mutex-guarded FIFO. Kept as its own type (rather
// than inlined into Instance) so cancel_invocation's linear scan and
// removal stay in one place.
type invocationQueue struct {
	items []QueueItem
}

func (q *invocationQueue) push(item QueueItem) {
	q.items = append(q.items, item)
}

func (q *invocationQueue) pop() (QueueItem, bool) {
	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *invocationQueue) len() int {
	return len(q.items)
}

// cancel removes the first not-yet-started item matching key. Returns
// whether it found and removed one. Started invocations cannot be
// cancelled through this path: by construction, a started item has
// already been popped by the loop and is no longer in this slice.
func (q *invocationQueue) cancel(key ids.IdempotencyKey) bool {
	for i, item := range q.items {
		if item.IdempotencyKey == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
