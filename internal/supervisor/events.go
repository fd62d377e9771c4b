package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/corehost/workerd/internal/apierr"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
)

// InvocationOutcome is published on the event bus when an invocation
// reaches a terminal state, waking every invoke_and_await caller waiting
// on that (worker, idempotency key) pair: a suspend-wait on an
// in-memory event bus keyed by (worker, key).
type InvocationOutcome struct {
	Output oplog.PayloadRef
	Err    *apierr.Error
}

// eventBus is the in-memory publish point the execution loop writes to
// and invoke_and_await reads from. A result published before a waiter
// subscribes is held (not lost): the bus retains the latest outcome per
// key until the owning instance is torn down, mirroring
// WorkerStatusRecord.InvocationResults acting as the durable fallback.
type eventBus struct {
	mu      sync.Mutex
	waiters map[string][]chan InvocationOutcome
	done    map[string]InvocationOutcome
}

func newEventBus() *eventBus {
	return &eventBus{
		waiters: map[string][]chan InvocationOutcome{},
		done:    map[string]InvocationOutcome{},
	}
}

func busKey(id ids.OwnedWorkerID, key ids.IdempotencyKey) string {
	return fmt.Sprintf("%s#%s", id.String(), key.String())
}

// publish delivers outcome to every current subscriber and caches it for
// late subscribers (the race between the loop completing an invocation
// and a caller calling invoke_and_await for the same key).
func (b *eventBus) publish(id ids.OwnedWorkerID, key ids.IdempotencyKey, outcome InvocationOutcome) {
	k := busKey(id, key)
	b.mu.Lock()
	b.done[k] = outcome
	chans := b.waiters[k]
	delete(b.waiters, k)
	b.mu.Unlock()

	for _, ch := range chans {
		ch <- outcome
	}
}

// await blocks until outcome for (id, key) is published, ctx is
// cancelled, or a cached outcome already exists.
func (b *eventBus) await(ctx context.Context, id ids.OwnedWorkerID, key ids.IdempotencyKey) (InvocationOutcome, error) {
	k := busKey(id, key)

	b.mu.Lock()
	if outcome, ok := b.done[k]; ok {
		b.mu.Unlock()
		return outcome, nil
	}
	ch := make(chan InvocationOutcome, 1)
	b.waiters[k] = append(b.waiters[k], ch)
	b.mu.Unlock()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		// Cancellation of the caller does not cancel the invocation:
		// we simply stop waiting.
		return InvocationOutcome{}, ctx.Err()
	}
}

// forget drops any cached outcome for key, used when a worker is
// deleted and its keys must not leak across a future re-creation.
func (b *eventBus) forget(id ids.OwnedWorkerID, key ids.IdempotencyKey) {
	k := busKey(id, key)
	b.mu.Lock()
	delete(b.done, k)
	b.mu.Unlock()
}

// loadedBus is a trivial one-shot-per-load broadcast: every
// start_if_needed caller that wants to block until the engine reports
// loaded (or load failure) can subscribe.
type loadedEvent struct {
	err error
}

type loadedBus struct {
	mu      sync.Mutex
	waiters []chan loadedEvent
}

func newLoadedBus() *loadedBus { return &loadedBus{} }

func (l *loadedBus) subscribe() chan loadedEvent {
	ch := make(chan loadedEvent, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()
	return ch
}

func (l *loadedBus) publish(err error) {
	l.mu.Lock()
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	for _, ch := range waiters {
		ch <- loadedEvent{err: err}
	}
}
