package dispatcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/apierr"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/observability"
	"github.com/corehost/workerd/internal/shard"
	"github.com/corehost/workerd/internal/status"
	"github.com/corehost/workerd/internal/storage"
	"github.com/corehost/workerd/internal/supervisor"
)

// connectPollInterval governs how often Connect checks for new oplog
// entries to turn into stream events. A subscriber bus fed directly by
// the execution loop would avoid the latency, but the oplog is already
// the single source of truth for everything worth streaming, so tailing
// it keeps Connect free of any separate delivery path to fall out of
// sync with.
const connectPollInterval = 200 * time.Millisecond

// Dispatcher terminates all external requests for one node. It is
// stateless across requests: all shared state lives in the Supervisor
// registry, the Shard Table, and the metadata store.
type Dispatcher struct {
	super   *supervisor.Supervisor
	shards  *shard.Table
	store   oplog.Store
	meta    *storage.DB
	metrics *observability.Metrics
	log     *zap.Logger

	maxOplogPageSize int
	host             string
}

// New constructs a Dispatcher over an already-wired Supervisor/Shard
// Table/Oplog Store/metadata DB.
func New(host string, super *supervisor.Supervisor, shards *shard.Table, store oplog.Store, meta *storage.DB, metrics *observability.Metrics, log *zap.Logger, maxOplogPageSize int) *Dispatcher {
	if maxOplogPageSize <= 0 {
		maxOplogPageSize = 500
	}
	return &Dispatcher{
		super:            super,
		shards:           shards,
		store:            store,
		meta:             meta,
		metrics:          metrics,
		log:              log,
		maxOplogPageSize: maxOplogPageSize,
		host:             host,
	}
}

// checkShard enforces the routing invariant: a request is only served
// here if the worker's shard is in this node's owned set.
func (d *Dispatcher) checkShard(id ids.OwnedWorkerID) error {
	if !d.shards.OwnsWorker(id) {
		return apierr.WrongShard(fmt.Sprintf("%s not owned by %s", id, d.host))
	}
	return nil
}

func (d *Dispatcher) recordRequest(method string, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if apiErr, ok := err.(*apierr.Error); ok && apiErr.Kind == apierr.KindWrongShard {
			outcome = "wrong_shard"
		}
	}
	d.metrics.RequestsTotal.WithLabelValues(method, outcome).Inc()
}

// resolve returns a non-forcing handle to an existing instance, without
// creating one. Most operations other than Create require the worker to
// already exist.
func (d *Dispatcher) resolve(ctx context.Context, id ids.OwnedWorkerID) (supervisor.Handle, error) {
	row, err := d.meta.Get(id)
	if err != nil {
		return supervisor.Handle{}, err
	}
	return d.super.GetOrCreateSuspended(ctx, id.Environment.String(), id, row.Env, row.Args, row.LastStatus.ComponentVersion, row.Parent)
}

// Create implements "create".
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (resp CreateResponse, err error) {
	defer func() { d.recordRequest("create", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	if _, getErr := d.meta.Get(req.ID); getErr == nil {
		return resp, apierr.WorkerAlreadyExists
	} else if !isNotFound(getErr) {
		return resp, getErr
	}

	h, err := d.super.GetOrCreateSuspended(ctx, req.ID.Environment.String(), req.ID, req.Env, req.Args, req.ComponentVersion, req.Parent)
	if err != nil {
		return resp, err
	}
	md := d.super.GetMetadata(h)
	row := storage.WorkerMetadataRow{
		ID:         req.ID,
		CreatedAt:  time.Now(),
		Args:       req.Args,
		Env:        req.Env,
		Parent:     req.Parent,
		LastStatus: md.Record,
	}
	if err = d.meta.Create(row); err != nil {
		return resp, err
	}
	d.shards.Track(req.ID)
	return resp, nil
}

// Invoke implements fire-and-forget "invoke".
func (d *Dispatcher) Invoke(ctx context.Context, req InvokeRequest) (resp InvokeResponse, err error) {
	defer func() { d.recordRequest("invoke", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	if err = d.super.Invoke(h, req.IdempotencyKey, req.Function, req.Args); err != nil {
		return resp, err
	}
	d.syncMetadata(h)
	return resp, nil
}

// InvokeAndAwait implements "invoke-and-await".
func (d *Dispatcher) InvokeAndAwait(ctx context.Context, req InvokeAndAwaitRequest) (resp InvokeAndAwaitResponse, err error) {
	defer func() { d.recordRequest("invoke_and_await", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	result, err := d.super.InvokeAndAwait(ctx, h, req.IdempotencyKey, req.Function, req.Args)
	d.syncMetadata(h)
	if err != nil {
		return resp, err
	}
	return InvokeAndAwaitResponse{Result: result}, nil
}

// Delete implements "delete": interrupt first, persist nothing further,
// then remove the metadata row.
func (d *Dispatcher) Delete(ctx context.Context, req DeleteRequest) (resp DeleteResponse, err error) {
	defer func() { d.recordRequest("delete", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	<-d.super.Delete(h)
	d.super.Unregister(h)
	d.shards.Untrack(req.ID)
	if err = d.meta.Delete(req.ID); err != nil {
		return resp, err
	}
	return resp, nil
}

// Interrupt implements "interrupt". It does not block for completion;
// callers observe the transition via get-metadata or the connect stream.
func (d *Dispatcher) Interrupt(ctx context.Context, req InterruptRequest) (resp InterruptResponse, err error) {
	defer func() { d.recordRequest("interrupt", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	d.super.SetInterrupting(h, req.Kind)
	return resp, nil
}

// Resume implements "resume": re-enters the execution loop after an
// Interrupted status.
func (d *Dispatcher) Resume(ctx context.Context, req ResumeRequest) (resp ResumeResponse, err error) {
	defer func() { d.recordRequest("resume", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	d.super.StartIfNeeded(h)
	return resp, nil
}

// CancelInvocation implements "cancel-invocation". Effective only for
// queued-but-not-started items; an invocation already picked up by the
// execution loop runs to completion.
func (d *Dispatcher) CancelInvocation(ctx context.Context, req CancelInvocationRequest) (resp CancelInvocationResponse, err error) {
	defer func() { d.recordRequest("cancel_invocation", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	resp.Cancelled = d.super.CancelInvocation(h, req.Key)
	return resp, nil
}

// CompletePromise implements "complete-promise".
func (d *Dispatcher) CompletePromise(ctx context.Context, req CompletePromiseRequest) (resp CompletePromiseResponse, err error) {
	defer func() { d.recordRequest("complete_promise", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	if err = d.super.CompletePromise(h, req.PromiseID, req.Result); err != nil {
		return resp, err
	}
	return resp, nil
}

// Update implements "update".
func (d *Dispatcher) Update(ctx context.Context, req UpdateRequest) (resp UpdateResponse, err error) {
	defer func() { d.recordRequest("update", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	if req.UseSnapshot {
		d.super.EnqueueManualUpdate(h, req.TargetVersion)
		return resp, nil
	}
	err = d.super.EnqueueUpdate(h, oplog.UpdateTarget{TargetVersion: req.TargetVersion, Description: "live update"})
	return resp, err
}

// GetMetadata implements "get-metadata".
func (d *Dispatcher) GetMetadata(ctx context.Context, req GetMetadataRequest) (resp GetMetadataResponse, err error) {
	defer func() { d.recordRequest("get_metadata", err) }()
	row, err := d.meta.Get(req.ID)
	if err != nil {
		return resp, err
	}
	if d.shards.OwnsWorker(req.ID) {
		if h, hErr := d.resolve(ctx, req.ID); hErr == nil {
			d.syncMetadata(h)
			row, _ = d.meta.Get(req.ID)
		}
	}
	resp.Row = *row
	return resp, nil
}

// EnumerateWorkers implements "enumerate-workers".
func (d *Dispatcher) EnumerateWorkers(ctx context.Context, req EnumerateWorkersRequest) (resp EnumerateWorkersResponse, err error) {
	defer func() { d.recordRequest("enumerate_workers", err) }()
	rows, err := d.meta.Enumerate(req.Environment, req.Component)
	if err != nil {
		return resp, err
	}
	rows = afterCursor(rows, req.AfterID)
	limit := req.Limit
	if limit <= 0 || limit > d.maxOplogPageSize {
		limit = d.maxOplogPageSize
	}
	if len(rows) > limit {
		resp.NextCursor = &rows[limit-1].ID
		rows = rows[:limit]
	}
	resp.Rows = rows
	return resp, nil
}

// EnumerateRunningWorkers implements "enumerate-running-workers": every
// worker in the requested environment whose persisted metadata row
// records a Running status.
func (d *Dispatcher) EnumerateRunningWorkers(ctx context.Context, req EnumerateRunningWorkersRequest) (resp EnumerateRunningWorkersResponse, err error) {
	defer func() { d.recordRequest("enumerate_running_workers", err) }()
	rows, err := d.meta.Enumerate(req.Environment, nil)
	if err != nil {
		return resp, err
	}
	for _, row := range rows {
		if row.LastStatus != nil && row.LastStatus.Status == status.StatusRunning {
			resp.IDs = append(resp.IDs, row.ID)
		}
	}
	return resp, nil
}

// GetOplog implements "get-oplog" (ranged).
func (d *Dispatcher) GetOplog(ctx context.Context, req GetOplogRequest) (resp GetOplogResponse, err error) {
	defer func() { d.recordRequest("get_oplog", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	oh, err := d.store.Open(req.ID)
	if err != nil {
		return resp, fmt.Errorf("dispatcher: open oplog: %w", err)
	}
	defer oh.Close()

	from, to := req.From, req.To
	if to == 0 || to > oh.GetLastIndex() {
		to = oh.GetLastIndex()
	}
	if to-from+1 > ids.OplogIndex(d.maxOplogPageSize) {
		to = from + ids.OplogIndex(d.maxOplogPageSize) - 1
	}
	if from == 0 || from > to {
		return resp, nil
	}
	entries, err := oh.ReadRange(from, to)
	if err != nil {
		return resp, err
	}
	resp.Entries = entries
	return resp, nil
}

// SearchOplog implements "search-oplog" (filtered). It is a thin client
// of GetOplog's paging followed by an in-memory Kind filter; the oplog
// contract has no native query language.
func (d *Dispatcher) SearchOplog(ctx context.Context, req SearchOplogRequest) (resp SearchOplogResponse, err error) {
	defer func() { d.recordRequest("search_oplog", err) }()
	page, err := d.GetOplog(ctx, GetOplogRequest{ID: req.ID, From: req.From, To: req.To})
	if err != nil {
		return resp, err
	}
	if len(req.KindFilter) == 0 {
		resp.Entries = page.Entries
		return resp, nil
	}
	allow := make(map[oplog.Kind]struct{}, len(req.KindFilter))
	for _, k := range req.KindFilter {
		allow[k] = struct{}{}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = d.maxOplogPageSize
	}
	for _, e := range page.Entries {
		if _, ok := allow[e.Data.Kind()]; ok {
			resp.Entries = append(resp.Entries, e)
			if len(resp.Entries) >= limit {
				break
			}
		}
	}
	return resp, nil
}

// Fork implements "fork": creates Target as a new worker whose oplog
// replays Source's entries up to AtIndex, each rewritten with a fresh
// index in Target's own log.
func (d *Dispatcher) Fork(ctx context.Context, req ForkRequest) (resp ForkResponse, err error) {
	defer func() { d.recordRequest("fork", err) }()
	if err = d.checkShard(req.Source); err != nil {
		return resp, err
	}
	if err = d.checkShard(req.Target); err != nil {
		return resp, err
	}
	if _, getErr := d.meta.Get(req.Target); getErr == nil {
		return resp, apierr.WorkerAlreadyExists
	} else if !isNotFound(getErr) {
		return resp, getErr
	}

	srcOh, err := d.store.Open(req.Source)
	if err != nil {
		return resp, fmt.Errorf("dispatcher: open source oplog: %w", err)
	}
	defer srcOh.Close()

	at := req.AtIndex
	if at == 0 || at > srcOh.GetLastIndex() {
		at = srcOh.GetLastIndex()
	}
	entries, err := srcOh.ReadRange(1, at)
	if err != nil {
		return resp, err
	}

	dstOh, err := d.store.Open(req.Target)
	if err != nil {
		return resp, fmt.Errorf("dispatcher: open target oplog: %w", err)
	}
	defer dstOh.Close()
	for _, e := range entries {
		if _, err = dstOh.AddAndCommit(e.Data); err != nil {
			return resp, fmt.Errorf("dispatcher: fork append: %w", err)
		}
	}

	h, err := d.super.GetOrCreateSuspended(ctx, req.Target.Environment.String(), req.Target, nil, nil, 0, nil)
	if err != nil {
		return resp, err
	}
	md := d.super.GetMetadata(h)
	row := storage.WorkerMetadataRow{ID: req.Target, CreatedAt: time.Now(), Args: md.Args, Env: md.Env, LastStatus: md.Record}
	if err = d.meta.Create(row); err != nil {
		return resp, err
	}
	d.shards.Track(req.Target)
	return resp, nil
}

// Revert implements "revert" (to a prior oplog index).
func (d *Dispatcher) Revert(ctx context.Context, req RevertRequest) (resp RevertResponse, err error) {
	defer func() { d.recordRequest("revert", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	if err = d.super.Revert(h, req.ToIndex); err != nil {
		return resp, err
	}
	d.syncMetadata(h)
	return resp, nil
}

// ActivatePlugin implements "activate-plugin".
func (d *Dispatcher) ActivatePlugin(ctx context.Context, req ActivatePluginRequest) (resp ActivatePluginResponse, err error) {
	defer func() { d.recordRequest("activate_plugin", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	err = d.super.ActivatePlugin(h, req.PluginID)
	d.syncMetadata(h)
	return resp, err
}

// DeactivatePlugin implements "deactivate-plugin".
func (d *Dispatcher) DeactivatePlugin(ctx context.Context, req DeactivatePluginRequest) (resp DeactivatePluginResponse, err error) {
	defer func() { d.recordRequest("deactivate_plugin", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	err = d.super.DeactivatePlugin(h, req.PluginID)
	d.syncMetadata(h)
	return resp, err
}

// GetFileSystemNode implements "get-file-system-node".
func (d *Dispatcher) GetFileSystemNode(ctx context.Context, req GetFileSystemNodeRequest) (resp GetFileSystemNodeResponse, err error) {
	defer func() { d.recordRequest("get_file_system_node", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return resp, err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return resp, err
	}
	d.super.StartIfNeeded(h)
	entries, err := d.super.ListDirectory(ctx, h, req.Path)
	if err != nil {
		return resp, err
	}
	resp.Entries = entries
	return resp, nil
}

// Connect implements the "connect" stream: a live tail of a worker's
// oplog translated into stdout/stderr/log/invocation events, for as
// long as the caller's context stays open. A client that falls behind
// the poll window (its last-seen index dropping past the oldest entry
// still addressable) is told how many entries it missed via
// ConnectEventLagged rather than silently resynced.
func (d *Dispatcher) Connect(ctx context.Context, req ConnectRequest, send func(ConnectEvent) error) (err error) {
	defer func() { d.recordRequest("connect", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return err
	}
	oh, err := d.store.Open(req.ID)
	if err != nil {
		return fmt.Errorf("dispatcher: open oplog: %w", err)
	}
	defer oh.Close()

	var lastSeen ids.OplogIndex
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		last := oh.GetLastIndex()
		if last <= lastSeen {
			continue
		}
		entries, readErr := oh.ReadRange(lastSeen+1, last)
		if readErr != nil {
			if d.metrics != nil {
				d.metrics.StreamClientsLaggedTotal.Inc()
			}
			if sendErr := send(ConnectEvent{Kind: ConnectEventLagged, Timestamp: time.Now(), Lagged: int(last - lastSeen)}); sendErr != nil {
				return sendErr
			}
			lastSeen = last
			continue
		}
		for _, e := range entries {
			ev, ok := connectEventFor(e)
			if !ok {
				continue
			}
			if sendErr := send(ev); sendErr != nil {
				return sendErr
			}
		}
		lastSeen = last
	}
}

// connectEventFor maps one oplog entry to the connect-stream event it
// represents, if any; most oplog kinds (retry bookkeeping, atomic
// region markers, resource tracking) are not stream-worthy and are
// skipped.
func connectEventFor(e oplog.Entry) (ConnectEvent, bool) {
	switch d := e.Data.(type) {
	case oplog.Log:
		kind := ConnectEventLog
		switch d.Level {
		case "stdout":
			kind = ConnectEventStdout
		case "stderr":
			kind = ConnectEventStderr
		}
		return ConnectEvent{Kind: kind, Timestamp: e.Timestamp, Message: d.Message}, true
	case oplog.ExportedFunctionInvoked:
		return ConnectEvent{Kind: ConnectEventInvocationStart, Timestamp: e.Timestamp, Message: d.FunctionName}, true
	case oplog.ExportedFunctionCompleted:
		return ConnectEvent{Kind: ConnectEventInvocationFinish, Timestamp: e.Timestamp}, true
	case oplog.Error:
		return ConnectEvent{Kind: ConnectEventInvocationFinish, Timestamp: e.Timestamp, Message: d.Detail}, true
	default:
		return ConnectEvent{}, false
	}
}

// GetFileContents implements the "get-file-contents" stream: opens Path
// in the guest filesystem and streams it out in fixed-size chunks.
func (d *Dispatcher) GetFileContents(ctx context.Context, req GetFileContentsRequest, send func(FileChunk) error) (err error) {
	defer func() { d.recordRequest("get_file_contents", err) }()
	if err = d.checkShard(req.ID); err != nil {
		return err
	}
	h, err := d.resolve(ctx, req.ID)
	if err != nil {
		return err
	}
	d.super.StartIfNeeded(h)

	fs, err := d.super.ReadFile(ctx, h, req.Path)
	if err != nil {
		return err
	}
	defer fs.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for {
		n, readErr := fs.Read(buf)
		if n > 0 {
			if sendErr := send(FileChunk{Data: append([]byte(nil), buf[:n]...)}); sendErr != nil {
				return sendErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return send(FileChunk{EOF: true})
			}
			return readErr
		}
	}
}

// syncMetadata refreshes the denormalized metadata row from the
// Supervisor's cached projection. Best-effort: a failure here never
// fails the caller's request since the oplog itself is already durable.
func (d *Dispatcher) syncMetadata(h supervisor.Handle) {
	md := d.super.GetMetadata(h)
	row, err := d.meta.Get(md.ID)
	if err != nil {
		return
	}
	row.LastStatus = md.Record
	row.Args = md.Args
	row.Env = md.Env
	if err := d.meta.Put(*row); err != nil {
		d.log.Warn("failed to sync worker metadata row", zap.String("worker", md.ID.String()), zap.Error(err))
	}
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*apierr.Error)
	return ok && apiErr.Kind == apierr.KindWorkerNotFound
}

func afterCursor(rows []storage.WorkerMetadataRow, after *ids.OwnedWorkerID) []storage.WorkerMetadataRow {
	if after == nil {
		return rows
	}
	for i, row := range rows {
		if row.ID == *after {
			return rows[i+1:]
		}
	}
	return rows
}
