package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/apierr"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/retry"
	"github.com/corehost/workerd/internal/status"
)

// saveSnapshotCandidates are the export names tried, in order, when a
// ManualUpdate queue item needs to capture guest state: a small ordered
// list of candidate export names.
var saveSnapshotCandidates = []string{"save-snapshot", "golem:api/save-snapshot", "save_snapshot"}

// loadSnapshotCandidates is the mirror list a concrete Engine Adapter
// consults inside prepare_instance when replay crosses a
// SuccessfulUpdate entry carrying a snapshot key; the core does not
// call these directly.
var loadSnapshotCandidates = []string{"load-snapshot", "golem:api/load-snapshot", "load_snapshot"} //nolint:unused

// runLoop is one logical task per loaded instance. It owns inst from
// stateWaitingForPermit through
// teardown back to stateUnloaded, at which point it exits and
// loopRunning is cleared so a future start_if_needed spawns a fresh one.
func (s *Supervisor) runLoop(inst *Instance) {
	ctx := context.Background()
	defer func() {
		inst.mu.Lock()
		inst.loopRunning = false
		inst.internal = stateUnloaded
		inst.mu.Unlock()
	}()

	for {
		cont := s.loadAndDrain(ctx, inst)
		if !cont {
			return
		}
	}
}

// loadAndDrain acquires a permit, constructs the engine instance, runs
// prepare_instance, drains the queue, and returns whether the loop
// should reattempt a fresh load cycle (true) or exit entirely (false).
func (s *Supervisor) loadAndDrain(ctx context.Context, inst *Instance) bool {
	inst.mu.Lock()
	inst.internal = stateWaitingForPermit
	memEstimate := admission.EstimateBytes(s.memCoefficient, inst.cached.TotalLinearMemorySize, inst.cached.ComponentSize)
	inst.mu.Unlock()

	permit, ok := s.pool.TryAcquire(memEstimate)
	for !ok {
		select {
		case <-time.After(50 * time.Millisecond):
			permit, ok = s.pool.TryAcquire(memEstimate)
		case <-inst.wake:
			inst.mu.Lock()
			stop := inst.stopRequested
			inst.mu.Unlock()
			if stop {
				return false
			}
			permit, ok = s.pool.TryAcquire(memEstimate)
		}
	}

	inst.mu.Lock()
	inst.internal = stateLoading
	inst.permit = permit
	inst.hasPermit = true
	inst.mu.Unlock()

	releasePermit := func() {
		inst.mu.Lock()
		if inst.hasPermit {
			s.pool.Release(inst.permit)
			inst.hasPermit = false
		}
		for _, extra := range inst.extraPermits {
			s.pool.Release(extra)
		}
		inst.extraPermits = nil
		inst.mu.Unlock()
	}

	// Step 1: construct the engine instance.
	inst.mu.Lock()
	envName := inst.envName
	inst.mu.Unlock()
	module, err := s.adapter.GetModule(ctx, envName, inst.id.Worker.Component, inst.componentVersion)
	if err != nil {
		s.failPendingTransiently(inst, err)
		releasePermit()
		inst.loaded.publish(err)
		return false
	}

	engineCtx, err := s.adapter.Create(ctx, inst.id, module, engine.WorkerConfig{
		Args:                 inst.args,
		Env:                  inst.env,
		DeletedRegions:       toEngineDeletedRegions(inst.cached.EffectiveDeletedRegions()),
		TotalLinearMemoryEst: inst.cached.TotalLinearMemorySize,
		ComponentVersion:     inst.componentVersion,
	})
	if err != nil {
		s.failPendingTransiently(inst, err)
		releasePermit()
		inst.loaded.publish(err)
		return false
	}

	exports := make(map[string]engine.ExportSignature, len(module.Metadata.Exports))
	for _, sig := range module.Metadata.Exports {
		exports[sig.Name] = sig
	}

	inst.mu.Lock()
	inst.engineCtx = engineCtx
	inst.ephemeral = module.Metadata.Ephemeral
	inst.exports = exports
	cachedIdx := inst.cached.OplogIdx
	inst.mu.Unlock()

	// Step 2: prepare_instance recovery replay.
	decision, err := s.adapter.PrepareInstance(ctx, inst.id.Worker, engineCtx, cachedIdx)
	if err != nil {
		s.failPendingTransiently(inst, err)
		_ = engineCtx.Close()
		releasePermit()
		inst.loaded.publish(err)
		return false
	}
	switch decision.Decision {
	case retry.DecisionImmediate:
		_ = engineCtx.Close()
		releasePermit()
		return true
	case retry.DecisionDelayed:
		_ = engineCtx.Close()
		releasePermit()
		time.Sleep(decision.Delay)
		return true
	case retry.DecisionReacquirePermits:
		_ = engineCtx.Close()
		releasePermit()
		inst.oomRetryCount++
		time.Sleep(decision.Delay)
		return true
	}

	// Step 3: loaded; enter the drain loop.
	inst.mu.Lock()
	inst.internal = stateRunning
	inst.mu.Unlock()
	inst.loaded.publish(nil)

	keepGoing, reload := s.drainLoop(ctx, inst, engineCtx)

	inst.mu.Lock()
	inst.engineCtx = nil
	inst.mu.Unlock()
	_ = engineCtx.Close()
	releasePermit()

	return keepGoing && reload
}

// drainLoop runs steps 3-8 of the execution loop until, with the queue
// empty, an interrupt or a stop request is pending; an empty queue with
// neither parks the loop on its wake channel. Returns (keepGoing, reload): keepGoing is false
// when the instance should remain Unloaded; reload is true when the
// caller should immediately attempt a fresh load (e.g. after Restart).
func (s *Supervisor) drainLoop(ctx context.Context, inst *Instance, ectx engine.Context) (bool, bool) {
	for {
		inst.mu.Lock()
		item, hasItem := inst.queue.pop()
		var pendingInterrupt *interruptRequest
		if !hasItem {
			pendingInterrupt = inst.interrupt
		}
		stop := inst.stopRequested
		inst.mu.Unlock()

		if !hasItem {
			if pendingInterrupt != nil || stop {
				return s.suspendAndAct(inst, ectx, pendingInterrupt, stop)
			}
			select {
			case <-inst.wake:
				continue
			case <-time.After(time.Second):
				continue
			}
		}

		switch item.Kind {
		case ItemExportedFunction:
			s.runExportedFunction(ctx, inst, ectx, item)
		case ItemManualUpdate:
			s.runManualUpdate(ctx, inst, ectx, item)
		case ItemListDirectory, ItemReadFile:
			s.runFilesystemItem(ctx, inst, ectx, item)
		}
	}
}

func (s *Supervisor) runExportedFunction(ctx context.Context, inst *Instance, ectx engine.Context, item QueueItem) {
	inst.mu.Lock()
	oh := inst.oplogHandleCache
	key := item.IdempotencyKey
	inst.cached.CurrentIdempotencyKey = &key
	invokedEntry, err := oh.AddAndCommit(oplog.ExportedFunctionInvoked{
		IdempotencyKey: item.IdempotencyKey,
		FunctionName:   item.FunctionName,
		Args:           item.Args,
	})
	if err == nil {
		inst.cached = status.Fold(inst.cached, []oplog.Entry{invokedEntry}, s.defaultPolicy)
	}
	inst.mu.Unlock()
	if err != nil {
		s.log.Error("failed to persist ExportedFunctionInvoked", zap.Error(err))
		return
	}

	result, err := s.adapter.InvokeWorker(ctx, item.FunctionName, item.Args, oh, ectx)
	if err != nil {
		s.handleInvocationFailure(inst, oh, item, engine.TrapError, oplog.ErrorClassUnknown, err.Error())
		return
	}

	switch result.Outcome {
	case engine.InvokeSucceeded:
		inst.mu.Lock()
		sig, hasSig := inst.exports[item.FunctionName]
		inst.mu.Unlock()
		if hasSig && sig.ResultCount >= 0 {
			actualCount := 0
			if !result.Output.IsZero() {
				actualCount = 1
			}
			if actualCount != sig.ResultCount {
				detail := fmt.Sprintf("export %q declared %d result(s), invocation produced %d", item.FunctionName, sig.ResultCount, actualCount)
				inst.mu.Lock()
				errEntry, eerr := oh.AddAndCommit(oplog.Error{
					IdempotencyKey: item.IdempotencyKey,
					Class:          oplog.ErrorClassInvalidRequest,
					Detail:         detail,
					Origin:         item.FunctionName,
				})
				if eerr == nil {
					inst.cached = status.Fold(inst.cached, []oplog.Entry{errEntry}, s.defaultPolicy)
				}
				inst.mu.Unlock()
				s.events.publish(inst.id, item.IdempotencyKey, InvocationOutcome{
					Err: apierr.New(apierr.KindValueMismatch, detail),
				})
				return
			}
		}

		inst.mu.Lock()
		completedEntry, cerr := oh.AddAndCommit(oplog.ExportedFunctionCompleted{
			IdempotencyKey: item.IdempotencyKey,
			Result:         result.Output,
			ConsumedFuel:   result.ConsumedFuel,
		})
		if cerr == nil {
			inst.cached = status.Fold(inst.cached, []oplog.Entry{completedEntry}, s.defaultPolicy)
		}
		inst.mu.Unlock()
		if cerr != nil {
			s.log.Error("failed to persist ExportedFunctionCompleted", zap.Error(cerr))
			return
		}
		inst.mu.Lock()
		if inst.ephemeral {
			inst.stopRequested = true
		}
		inst.mu.Unlock()
		s.events.publish(inst.id, item.IdempotencyKey, InvocationOutcome{Output: result.Output})

	case engine.InvokeExited:
		inst.mu.Lock()
		exitedEntry, eerr := oh.AddAndCommit(oplog.Exited{IdempotencyKey: item.IdempotencyKey})
		if eerr == nil {
			inst.cached = status.Fold(inst.cached, []oplog.Entry{exitedEntry}, s.defaultPolicy)
		}
		inst.mu.Unlock()
		s.events.publish(inst.id, item.IdempotencyKey, InvocationOutcome{
			Err: apierr.New(apierr.KindPreviousInvocationExited, "worker exited"),
		})

	case engine.InvokeInterrupted:
		inst.mu.Lock()
		interruptedEntry, ierr := oh.AddAndCommit(oplog.Interrupted{Kind: result.Interrupt})
		if ierr == nil {
			inst.cached = status.Fold(inst.cached, []oplog.Entry{interruptedEntry}, s.defaultPolicy)
		}
		inst.mu.Unlock()
		s.events.publish(inst.id, item.IdempotencyKey, InvocationOutcome{
			Err: apierr.New(apierr.KindInterrupted, "invocation interrupted"),
		})

	default: // InvokeFailed
		class := result.ErrorClass
		if class == "" {
			class = oplog.ErrorClassUnknown
		}
		detail := ""
		if result.Err != nil {
			detail = result.Err.Error()
		}
		s.handleInvocationFailure(inst, oh, item, engine.TrapError, class, detail)
	}
}

// handleInvocationFailure is step 7: classify, persist an Error entry,
// decide the retry policy, and wake waiters if the decision is fatal.
func (s *Supervisor) handleInvocationFailure(inst *Instance, oh oplog.Handle, item QueueItem, trap engine.TrapType, class oplog.ErrorClass, detail string) {
	inst.mu.Lock()
	decision := s.onInvocationFailure(inst, oh, item.FunctionName, item.IdempotencyKey, class, detail)
	inst.mu.Unlock()

	if decision.Decision == retry.DecisionNone {
		s.events.publish(inst.id, item.IdempotencyKey, InvocationOutcome{
			Err: apierr.PreviousInvocationFailed(detail, inst.cached.StderrTail),
		})
		return
	}
	// Retriable: requeue the same item at the front of the queue and
	// sleep for the decision's delay; the drain loop pops it again right
	// away, without unloading the instance or releasing its permits. For
	// Delayed and ReacquirePermits the stop request is also set, so the
	// instance unloads (with no reload) once the queue next runs empty.
	inst.mu.Lock()
	inst.queue.items = append([]QueueItem{item}, inst.queue.items...)
	inst.stopRequested = decision.Decision != retry.DecisionImmediate
	inst.mu.Unlock()
	if decision.Delay > 0 {
		time.Sleep(decision.Delay)
	}
}

func (s *Supervisor) runManualUpdate(ctx context.Context, inst *Instance, ectx engine.Context, item QueueItem) {
	inst.mu.Lock()
	oh := inst.oplogHandleCache
	inst.mu.Unlock()

	var snapshotRef oplog.PayloadRef
	var invoked bool
	for _, name := range saveSnapshotCandidates {
		result, err := s.adapter.InvokeWorker(ctx, name, oplog.PayloadRef{}, oh, ectx)
		if err == nil && result.Outcome == engine.InvokeSucceeded {
			snapshotRef = result.Output
			invoked = true
			break
		}
	}
	if !invoked {
		s.log.Warn("manual update: no save-snapshot export found", zap.String("worker", inst.id.String()))
		return
	}

	target := oplog.UpdateTarget{
		TargetVersion: item.UpdateTarget,
		SnapshotKey:   &snapshotRef,
		Description:   "manual update",
	}

	inst.mu.Lock()
	entry, err := oh.AddAndCommit(oplog.PendingUpdate{Target: target, Timestamp: time.Now()})
	if err == nil {
		inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
	}
	inst.stopRequested = true
	inst.mu.Unlock()
}

// toEngineDeletedRegions translates the Status Projector's view of skipped
// ranges into the engine-facing type; engine must not import status.
func toEngineDeletedRegions(regions []status.DeletedRegion) []engine.DeletedRegion {
	if len(regions) == 0 {
		return nil
	}
	out := make([]engine.DeletedRegion, len(regions))
	for i, r := range regions {
		out[i] = engine.DeletedRegion{From: r.From, To: r.To}
	}
	return out
}

// runFilesystemItem delegates list_directory/read_file to the Engine
// Adapter if it implements the optional FilesystemAdapter interface.
// These run as queue items so they serialize with invocations. Results
// are delivered through item.resultCh.
func (s *Supervisor) runFilesystemItem(ctx context.Context, inst *Instance, ectx engine.Context, item QueueItem) {
	fa, ok := s.adapter.(engine.FilesystemAdapter)
	if !ok {
		if item.resultCh != nil {
			item.resultCh <- itemResult{err: apierr.New(apierr.KindInvalidRequest, "engine adapter has no filesystem support")}
		}
		return
	}
	switch item.Kind {
	case ItemListDirectory:
		entries, err := fa.ListDirectory(ctx, ectx, item.Path)
		if item.resultCh != nil {
			item.resultCh <- itemResult{value: entries, err: err}
		}
	case ItemReadFile:
		stream, err := fa.ReadFile(ctx, ectx, item.Path)
		if item.resultCh != nil {
			item.resultCh <- itemResult{value: stream, err: err}
		}
		if stream != nil {
			<-stream.Dropped()
		}
	}
}

// suspendAndAct is step 8: commit, then act on an interrupt or a plain
// stop request.
func (s *Supervisor) suspendAndAct(inst *Instance, ectx engine.Context, interrupt *interruptRequest, stop bool) (bool, bool) {
	inst.mu.Lock()
	oh := inst.oplogHandleCache
	_ = oh.Commit(oplog.CommitImmediate)

	var reload bool
	if interrupt != nil {
		switch interrupt.kind {
		case oplog.InterruptKindRestart:
			entry, err := oh.AddAndCommit(oplog.Restart{Reason: "explicit restart"})
			if err == nil {
				inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
			}
			reload = true
		case oplog.InterruptKindSuspend:
			entry, err := oh.AddAndCommit(oplog.Suspend{})
			if err == nil {
				inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
			}
		case oplog.InterruptKindInterrupt:
			entry, err := oh.AddAndCommit(oplog.Interrupted{Kind: oplog.InterruptKindInterrupt})
			if err == nil {
				inst.cached = status.Fold(inst.cached, []oplog.Entry{entry}, s.defaultPolicy)
			}
		}
		inst.interrupt = nil
	}
	inst.stopRequested = false
	done := []chan struct{}{}
	if interrupt != nil {
		done = interrupt.done
	}
	inst.mu.Unlock()

	for _, ch := range done {
		close(ch)
	}
	return !stop, reload
}

func (s *Supervisor) failPendingTransiently(inst *Instance, loadErr error) {
	inst.mu.Lock()
	items := inst.queue.items
	inst.queue.items = nil
	inst.mu.Unlock()

	for _, item := range items {
		if item.Kind != ItemExportedFunction {
			continue
		}
		s.events.publish(inst.id, item.IdempotencyKey, InvocationOutcome{
			Err: apierr.Wrap(apierr.KindRuntime, fmt.Errorf("transient load failure: %w", loadErr)),
		})
	}
}
