package dispatcher

import (
	"time"

	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/storage"
)

// CreateRequest/Response: "create".
type CreateRequest struct {
	ID               ids.OwnedWorkerID
	ComponentVersion ids.ComponentVersion
	Args             []string
	Env              map[string]string
	Parent           *ids.WorkerID
}

type CreateResponse struct{}

// InvokeRequest/Response: "invoke" (fire-and-forget).
type InvokeRequest struct {
	ID             ids.OwnedWorkerID
	IdempotencyKey ids.IdempotencyKey
	Function       string
	Args           any
}

type InvokeResponse struct{}

// InvokeAndAwaitRequest/Response: "invoke-and-await".
type InvokeAndAwaitRequest struct {
	ID             ids.OwnedWorkerID
	IdempotencyKey ids.IdempotencyKey
	Function       string
	Args           any
}

type InvokeAndAwaitResponse struct {
	Result oplog.PayloadRef
}

// DeleteRequest/Response: "delete".
type DeleteRequest struct {
	ID ids.OwnedWorkerID
}

type DeleteResponse struct{}

// InterruptRequest/Response: "interrupt".
type InterruptRequest struct {
	ID   ids.OwnedWorkerID
	Kind oplog.InterruptKind
}

type InterruptResponse struct{}

// ResumeRequest/Response: "resume".
type ResumeRequest struct {
	ID ids.OwnedWorkerID
}

type ResumeResponse struct{}

// CancelInvocationRequest/Response: "cancel-invocation".
type CancelInvocationRequest struct {
	ID  ids.OwnedWorkerID
	Key ids.IdempotencyKey
}

type CancelInvocationResponse struct {
	Cancelled bool
}

// CompletePromiseRequest/Response: "complete-promise". The promise
// itself is created and tracked by the (out-of-scope) promise host
// service; the core's only obligation is to unblock whatever
// invoke-and-await call is waiting on it, keyed by the promise ID doing
// double duty as an idempotency key.
type CompletePromiseRequest struct {
	ID        ids.OwnedWorkerID
	PromiseID ids.IdempotencyKey
	Result    any
}

type CompletePromiseResponse struct{}

// UpdateRequest/Response: "update". UseSnapshot false means a
// non-snapshot (live) update; true queues a manual snapshot-based
// update instead.
type UpdateRequest struct {
	ID               ids.OwnedWorkerID
	TargetVersion    ids.ComponentVersion
	UseSnapshot      bool
}

type UpdateResponse struct{}

// GetMetadataRequest/Response: "get-metadata".
type GetMetadataRequest struct {
	ID ids.OwnedWorkerID
}

type GetMetadataResponse struct {
	Row storage.WorkerMetadataRow
}

// EnumerateWorkersRequest/Response: "enumerate-workers". Cursor
// pagination is a plain offset into the lexicographically sorted key
// space: the cursor returned is the ID of the last row in the page, the
// next call passes it back in AfterID.
type EnumerateWorkersRequest struct {
	Environment ids.EnvironmentID
	Component   *ids.ComponentID
	AfterID     *ids.OwnedWorkerID
	Limit       int
}

type EnumerateWorkersResponse struct {
	Rows       []storage.WorkerMetadataRow
	NextCursor *ids.OwnedWorkerID
}

// EnumerateRunningWorkersRequest/Response: "enumerate-running-workers".
type EnumerateRunningWorkersRequest struct {
	Environment ids.EnvironmentID
}

type EnumerateRunningWorkersResponse struct {
	IDs []ids.OwnedWorkerID
}

// GetOplogRequest/Response: "get-oplog" (ranged).
type GetOplogRequest struct {
	ID   ids.OwnedWorkerID
	From ids.OplogIndex
	To   ids.OplogIndex
}

type GetOplogResponse struct {
	Entries []oplog.Entry
}

// SearchOplogRequest/Response: "search-oplog" (filtered).
type SearchOplogRequest struct {
	ID        ids.OwnedWorkerID
	From      ids.OplogIndex
	To        ids.OplogIndex
	KindFilter []oplog.Kind
	Limit     int
}

type SearchOplogResponse struct {
	Entries []oplog.Entry
}

// ForkRequest/Response: "fork": creates a new worker whose oplog is a
// copy of source's prefix up to AtIndex.
type ForkRequest struct {
	Source  ids.OwnedWorkerID
	Target  ids.OwnedWorkerID
	AtIndex ids.OplogIndex
}

type ForkResponse struct{}

// RevertRequest/Response: "revert" (to a prior oplog index).
type RevertRequest struct {
	ID      ids.OwnedWorkerID
	ToIndex ids.OplogIndex
}

type RevertResponse struct{}

// ActivatePluginRequest/Response, DeactivatePluginRequest/Response.
type ActivatePluginRequest struct {
	ID       ids.OwnedWorkerID
	PluginID string
}

type ActivatePluginResponse struct{}

type DeactivatePluginRequest struct {
	ID       ids.OwnedWorkerID
	PluginID string
}

type DeactivatePluginResponse struct{}

// GetFileSystemNodeRequest/Response: "get-file-system-node".
type GetFileSystemNodeRequest struct {
	ID   ids.OwnedWorkerID
	Path string
}

type GetFileSystemNodeResponse struct {
	Entries []engine.DirEntry
}

// ConnectRequest opens the "connect" event stream for ID.
type ConnectRequest struct {
	ID ids.OwnedWorkerID
}

// ConnectEventKind tags a ConnectEvent variant.
type ConnectEventKind string

const (
	ConnectEventStdout           ConnectEventKind = "stdout"
	ConnectEventStderr           ConnectEventKind = "stderr"
	ConnectEventLog              ConnectEventKind = "log"
	ConnectEventInvocationStart  ConnectEventKind = "invocation_start"
	ConnectEventInvocationFinish ConnectEventKind = "invocation_finish"
	ConnectEventLagged           ConnectEventKind = "client_lagged"
)

// ConnectEvent is one message of the connect stream. Lagged is set only
// for ConnectEventLagged, carrying the count of events the slow client
// missed.
type ConnectEvent struct {
	Kind      ConnectEventKind
	Timestamp time.Time
	Message   string
	Lagged    int
}

// GetFileContentsRequest opens the "get-file-contents" stream for Path
// on ID.
type GetFileContentsRequest struct {
	ID   ids.OwnedWorkerID
	Path string
}

// FileChunk is one message of the get-file-contents stream.
type FileChunk struct {
	Data []byte
	EOF  bool
}
