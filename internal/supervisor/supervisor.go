package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/apierr"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/retry"
	"github.com/corehost/workerd/internal/status"
)

// Supervisor owns every loaded or queued instance on this node. One
// Supervisor is constructed per node process; the Dispatcher holds it
// and routes requests for shards it owns into it.
type Supervisor struct {
	mu        sync.Mutex
	instances map[ids.OwnedWorkerID]*Instance

	store   oplog.Store
	adapter engine.Adapter
	pool    *admission.Pool
	events  *eventBus
	log     *zap.Logger

	defaultPolicy  oplog.RetryPolicy
	memCoefficient float64
}

// New constructs a Supervisor. memCoefficient is the admission
// estimator's k, the memory.worker_estimate_coefficient setting.
func New(store oplog.Store, adapter engine.Adapter, pool *admission.Pool, log *zap.Logger, defaultPolicy oplog.RetryPolicy, memCoefficient float64) *Supervisor {
	return &Supervisor{
		instances:      map[ids.OwnedWorkerID]*Instance{},
		store:          store,
		adapter:        adapter,
		pool:           pool,
		events:         newEventBus(),
		log:            log,
		defaultPolicy:  defaultPolicy,
		memCoefficient: memCoefficient,
	}
}

// Metadata is the merged view get_metadata returns: cached facts plus
// the latest projected status.
type Metadata struct {
	ID               ids.OwnedWorkerID
	ComponentVersion ids.ComponentVersion
	Args             []string
	Env              map[string]string
	Record           *status.WorkerStatusRecord
}

// GetOrCreateSuspended returns a handle to id without forcing a load.
// envName is the tenant environment name passed through
// to the Engine Adapter's get_module. If the instance already has
// committed oplog entries, its status is reconstructed by folding them;
// otherwise a Create entry is written now.
func (s *Supervisor) GetOrCreateSuspended(ctx context.Context, envName string, id ids.OwnedWorkerID, env map[string]string, args []string, version ids.ComponentVersion, parent *ids.WorkerID) (Handle, error) {
	s.mu.Lock()
	if inst, ok := s.instances[id]; ok {
		s.mu.Unlock()
		inst.mu.Lock()
		deleted := inst.deleted
		inst.mu.Unlock()
		if deleted {
			return Handle{}, apierr.WorkerNotFound
		}
		return Handle{inst: inst}, nil
	}
	s.mu.Unlock()

	oh, err := s.store.Open(id)
	if err != nil {
		return Handle{}, fmt.Errorf("supervisor: open oplog: %w", err)
	}

	inst := newInstance(id)
	inst.envName = envName
	inst.env = env
	inst.args = args
	inst.componentVersion = version
	inst.parent = parent
	inst.oplogHandleCache = oh

	if oh.GetLastIndex() == ids.NoIndex {
		entry, err := oh.AddAndCommit(oplog.Create{
			Env:              env,
			Args:             args,
			ComponentVersion: version,
			Parent:           parent,
		})
		if err != nil {
			return Handle{}, fmt.Errorf("supervisor: create entry: %w", err)
		}
		inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	} else {
		entries, err := oh.ReadRange(1, oh.GetLastIndex())
		if err != nil {
			return Handle{}, fmt.Errorf("supervisor: read history: %w", err)
		}
		inst.cached = status.Fold(status.NewEmpty(), entries, s.defaultPolicy)
		if len(entries) > 0 {
			if c, ok := entries[0].Data.(oplog.Create); ok {
				inst.env = c.Env
				inst.args = c.Args
				inst.componentVersion = c.ComponentVersion
				inst.parent = c.Parent
			}
		}
		for _, p := range inst.cached.PendingInvocations {
			inst.queue.push(QueueItem{
				Kind:           ItemExportedFunction,
				IdempotencyKey: p.IdempotencyKey,
				FunctionName:   p.FunctionName,
				Args:           p.Args,
				EnqueuedAt:     p.EnqueuedAt,
			})
		}
	}

	s.mu.Lock()
	// Another caller may have raced us; prefer whichever was registered
	// first so there is exactly one Instance per id.
	if existing, ok := s.instances[id]; ok {
		s.mu.Unlock()
		_ = oh.Close()
		return Handle{inst: existing}, nil
	}
	s.instances[id] = inst
	s.mu.Unlock()

	return Handle{inst: inst}, nil
}

// StartIfNeeded transitions Unloaded -> WaitingForPermit. Idempotent.
func (s *Supervisor) StartIfNeeded(h Handle) {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	s.startIfNeededLocked(inst)
}

func (s *Supervisor) startIfNeededLocked(inst *Instance) {
	if inst.internal != stateUnloaded {
		return
	}
	inst.internal = stateWaitingForPermit
	if !inst.loopRunning {
		inst.loopRunning = true
		go s.runLoop(inst)
	}
}

// Invoke appends a PendingWorkerInvocation entry and a queue item,
// unless the result is already cached.
func (s *Supervisor) Invoke(h Handle, key ids.IdempotencyKey, function string, args any) error {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted {
		return apierr.WorkerNotFound
	}
	if _, ok := inst.cached.InvocationResults[key]; ok {
		return nil
	}

	oh, err := s.handleFor(inst)
	if err != nil {
		return err
	}
	ref, err := oh.PutPayload(args)
	if err != nil {
		return fmt.Errorf("supervisor: encode args: %w", err)
	}
	entry, err := oh.AddAndCommit(oplog.PendingWorkerInvocation{
		IdempotencyKey: key,
		FunctionName:   function,
		Args:           ref,
		EnqueuedAt:     s.now(),
	})
	if err != nil {
		return fmt.Errorf("supervisor: append pending invocation: %w", err)
	}
	inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	inst.queue.push(QueueItem{
		Kind:           ItemExportedFunction,
		IdempotencyKey: key,
		FunctionName:   function,
		Args:           ref,
		EnqueuedAt:     entry.Timestamp,
	})
	inst.signal()
	s.startIfNeededLocked(inst)
	return nil
}

func (s *Supervisor) now() time.Time { return time.Now() }

// InvokeAndAwait is Invoke plus a suspend-wait on the event bus.
func (s *Supervisor) InvokeAndAwait(ctx context.Context, h Handle, key ids.IdempotencyKey, function string, args any) (oplog.PayloadRef, error) {
	if err := s.Invoke(h, key, function, args); err != nil {
		return oplog.PayloadRef{}, err
	}
	outcome, err := s.events.await(ctx, h.inst.id, key)
	if err != nil {
		return oplog.PayloadRef{}, err
	}
	if outcome.Err != nil {
		return oplog.PayloadRef{}, outcome.Err
	}
	return outcome.Output, nil
}

// CancelInvocation removes a queued-but-not-started invocation.
func (s *Supervisor) CancelInvocation(h Handle, key ids.IdempotencyKey) bool {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.queue.cancel(key)
}

// SetInterrupting requests Interrupt, Restart, or Suspend and returns a
// channel that closes when the running execution actually yields.
func (s *Supervisor) SetInterrupting(h Handle, kind oplog.InterruptKind) <-chan struct{} {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()

	done := make(chan struct{})
	if inst.internal == stateUnloaded {
		close(done)
		return done
	}
	if inst.interrupt == nil {
		inst.interrupt = &interruptRequest{kind: kind}
	}
	inst.interrupt.done = append(inst.interrupt.done, done)
	inst.signal()
	return done
}

// EnqueueUpdate appends a PendingUpdate entry for a live-update target.
func (s *Supervisor) EnqueueUpdate(h Handle, target oplog.UpdateTarget) error {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	oh, err := s.handleFor(inst)
	if err != nil {
		return err
	}
	entry, err := oh.AddAndCommit(oplog.PendingUpdate{Target: target, Timestamp: s.now()})
	if err != nil {
		return err
	}
	inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	return nil
}

// EnqueueManualUpdate queues a snapshot-based update as a queue item;
// the execution loop invokes the guest's save-snapshot export before
// turning it into a durable PendingUpdate.
func (s *Supervisor) EnqueueManualUpdate(h Handle, targetVersion ids.ComponentVersion) {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.cached.PendingManualUpdates = append(inst.cached.PendingManualUpdates, status.PendingManualUpdate{
		Target: oplog.UpdateTarget{TargetVersion: targetVersion},
	})
	inst.queue.push(QueueItem{Kind: ItemManualUpdate, UpdateTarget: targetVersion, EnqueuedAt: s.now()})
	inst.signal()
	s.startIfNeededLocked(inst)
}

// ActivatePlugin / DeactivatePlugin write the corresponding oplog entry
// and refresh the cached projection immediately.
func (s *Supervisor) ActivatePlugin(h Handle, pluginID string) error {
	return s.writePluginEntry(h, oplog.ActivatePlugin{PluginID: pluginID})
}

func (s *Supervisor) DeactivatePlugin(h Handle, pluginID string) error {
	return s.writePluginEntry(h, oplog.DeactivatePlugin{PluginID: pluginID})
}

func (s *Supervisor) writePluginEntry(h Handle, data oplog.Data) error {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	oh, err := s.handleFor(inst)
	if err != nil {
		return err
	}
	entry, err := oh.AddAndCommit(data)
	if err != nil {
		return err
	}
	inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	return nil
}

// GetMetadata returns the cached metadata merged with the projected
// status.
func (s *Supervisor) GetMetadata(h Handle) Metadata {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Metadata{
		ID:               inst.id,
		ComponentVersion: inst.componentVersion,
		Args:             inst.args,
		Env:              inst.env,
		Record:           inst.cached.Clone(),
	}
}

// Delete marks the instance deleted and interrupts any running
// execution, returning a channel that closes once the execution loop
// has yielded. Callers remove the worker metadata row only after this
// channel closes, so no further oplog entries are persisted for the old
// identity once it is gone.
func (s *Supervisor) Delete(h Handle) <-chan struct{} {
	inst := h.inst
	inst.mu.Lock()
	inst.deleted = true
	if inst.cached != nil {
		for key := range inst.cached.InvocationResults {
			s.events.forget(inst.id, key)
		}
	}
	done := make(chan struct{})
	if inst.internal == stateUnloaded {
		inst.mu.Unlock()
		close(done)
		return done
	}
	if inst.interrupt == nil {
		inst.interrupt = &interruptRequest{kind: oplog.InterruptKindInterrupt}
	}
	inst.interrupt.done = append(inst.interrupt.done, done)
	inst.signal()
	inst.mu.Unlock()
	return done
}

// Unregister removes the instance from the registry. Callers call this
// after Delete's channel has closed.
func (s *Supervisor) Unregister(h Handle) {
	s.mu.Lock()
	delete(s.instances, h.inst.id)
	s.mu.Unlock()
}

// Stop requests the execution loop unload unconditionally at its next
// suspend point.
func (s *Supervisor) Stop(h Handle) {
	inst := h.inst
	inst.mu.Lock()
	inst.stopRequested = true
	inst.signal()
	inst.mu.Unlock()
}

// StopIfIdle stops only if the queue is empty and execution is
// suspended; the check and the stop request happen under the same lock
// so the decision is race-free.
func (s *Supervisor) StopIfIdle(h Handle) bool {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.queue.len() != 0 {
		return false
	}
	if inst.internal == stateRunning && inst.cached.Status != status.StatusSuspended && inst.cached.Status != status.StatusIdle {
		return false
	}
	inst.stopRequested = true
	inst.signal()
	return true
}

// CompletePromise unblocks any invoke_and_await caller waiting on
// promiseID as if it were an idempotency key, publishing result as its
// output. The promise's lifecycle otherwise belongs to the (out-of-scope)
// promise host service; this is the one hook the core provides it.
func (s *Supervisor) CompletePromise(h Handle, promiseID ids.IdempotencyKey, result any) error {
	inst := h.inst
	inst.mu.Lock()
	oh, err := s.handleFor(inst)
	inst.mu.Unlock()
	if err != nil {
		return err
	}
	ref, err := oh.PutPayload(result)
	if err != nil {
		return fmt.Errorf("supervisor: encode promise result: %w", err)
	}
	s.events.publish(inst.id, promiseID, InvocationOutcome{Output: ref})
	return nil
}

// Revert appends a Jump entry hiding (toIndex, lastIndex] and forces the
// instance to unload, so the next load's prepare_instance replays
// against the updated deleted_regions set. It does not itself rewind
// any in-memory guest state; that is the Engine Adapter's
// responsibility on the next prepare_instance.
func (s *Supervisor) Revert(h Handle, toIndex ids.OplogIndex) error {
	inst := h.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	oh, err := s.handleFor(inst)
	if err != nil {
		return err
	}
	last := oh.GetLastIndex()
	if toIndex >= last {
		return nil
	}
	entry, err := oh.AddAndCommit(oplog.Jump{From: toIndex + 1, To: last + 1})
	if err != nil {
		return err
	}
	inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	inst.stopRequested = true
	inst.signal()
	return nil
}

// handleFor returns (creating if necessary) the instance's persistent
// oplog Handle. Callers must hold inst.mu.
func (s *Supervisor) handleFor(inst *Instance) (oplog.Handle, error) {
	if inst.oplogHandleCache != nil {
		return inst.oplogHandleCache, nil
	}
	oh, err := s.store.Open(inst.id)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open oplog: %w", err)
	}
	inst.oplogHandleCache = oh
	return oh, nil
}

// ListDirectory enqueues a list_directory queue item and blocks for its
// result, serializing with any in-flight invocation.
func (s *Supervisor) ListDirectory(ctx context.Context, h Handle, path string) ([]engine.DirEntry, error) {
	v, err := s.runFilesystemRequest(ctx, h, ItemListDirectory, path)
	if err != nil {
		return nil, err
	}
	entries, _ := v.([]engine.DirEntry)
	return entries, nil
}

// ReadFile enqueues a read_file queue item and blocks for the resulting
// stream handle. The caller must Close the stream when done so the
// execution loop can resume the next queue item.
func (s *Supervisor) ReadFile(ctx context.Context, h Handle, path string) (engine.FileStream, error) {
	v, err := s.runFilesystemRequest(ctx, h, ItemReadFile, path)
	if err != nil {
		return nil, err
	}
	stream, _ := v.(engine.FileStream)
	return stream, nil
}

func (s *Supervisor) runFilesystemRequest(ctx context.Context, h Handle, kind QueueItemKind, path string) (any, error) {
	inst := h.inst
	resultCh := make(chan itemResult, 1)

	inst.mu.Lock()
	if inst.deleted {
		inst.mu.Unlock()
		return nil, apierr.WorkerNotFound
	}
	inst.queue.push(QueueItem{Kind: kind, Path: path, EnqueuedAt: s.now(), resultCh: resultCh})
	inst.signal()
	s.startIfNeededLocked(inst)
	inst.mu.Unlock()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IncreaseMemory implements the increase_memory(delta) host-call
// contract: a non-blocking attempt to grow an already-loaded instance's
// admitted memory budget mid-invocation, the one Admission Pool
// operation besides the initial load that ever touches a running
// instance's grant. On success it persists a GrowMemory entry and the
// extra permit is released alongside the instance's main permit on
// unload. On failure it persists an Error entry classified
// ErrorClassOutOfMemory and returns the retry.Decide outcome for that
// class (ReacquirePermits). It also sets the stop request, so the
// instance unloads the next time its drain loop finds the queue empty;
// no reload is scheduled and no backoff is waited here.
func (s *Supervisor) IncreaseMemory(h Handle, delta int64) (retry.RetryDecision, error) {
	inst := h.inst
	permit, ok := s.pool.TryAcquire(delta)
	if !ok {
		inst.mu.Lock()
		oh := inst.oplogHandleCache
		decision := s.onInvocationFailure(inst, oh, "increase_memory", ids.IdempotencyKey{}, oplog.ErrorClassOutOfMemory,
			fmt.Sprintf("increase_memory: requested %d additional bytes, pool denied", delta))
		inst.stopRequested = decision.Decision != retry.DecisionImmediate
		inst.mu.Unlock()
		return decision, apierr.New(apierr.KindOutOfMemory, "insufficient memory budget for increase_memory")
	}

	inst.mu.Lock()
	oh := inst.oplogHandleCache
	entry, err := oh.AddAndCommit(oplog.GrowMemory{Delta: delta})
	if err != nil {
		inst.mu.Unlock()
		s.pool.Release(permit)
		return retry.RetryDecision{}, err
	}
	inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	inst.extraPermits = append(inst.extraPermits, permit)
	inst.mu.Unlock()
	return retry.RetryDecision{Decision: retry.DecisionNone}, nil
}

// onInvocationFailure classifies and persists a guest-attributable
// failure, then decides the retry policy.
func (s *Supervisor) onInvocationFailure(inst *Instance, oh oplog.Handle, origin string, key ids.IdempotencyKey, class oplog.ErrorClass, detail string) retry.RetryDecision {
	entry, err := oh.AddAndCommit(oplog.Error{
		IdempotencyKey: key,
		Class:          class,
		Detail:         detail,
		Origin:         origin,
	})
	if err != nil {
		s.log.Error("failed to persist Error entry", zap.Error(err), zap.String("worker", inst.id.String()))
		return retry.None()
	}
	inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)

	policy := s.defaultPolicy
	if inst.cached.OverriddenRetryConfig != nil {
		policy = *inst.cached.OverriddenRetryConfig
	}
	attempt := inst.cached.CurrentRetryCount[origin]
	return retry.Decide(class, attempt, policy)
}
