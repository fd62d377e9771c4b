package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
)

// cartItem mirrors one line of a shopping cart.
type cartItem struct {
	ID       string
	Name     string
	Price    float64
	Quantity int
}

func registerShoppingCartModule(adapter *engine.FakeAdapter, version ids.ComponentVersion) {
	adapter.RegisterModule(version, engine.FakeModule{
		Exports: map[string]engine.FakeFunction{
			"initialize-cart": func(state *engine.FakeState, args []any) (any, error) {
				state.Set("user", args[0])
				state.Set("items", []cartItem{})
				return nil, nil
			},
			"add-item": func(state *engine.FakeState, args []any) (any, error) {
				raw, _ := state.Get("items")
				items, _ := raw.([]cartItem)
				m, _ := args[0].(map[string]any)
				items = append(items, cartItem{
					ID:       m["id"].(string),
					Name:     m["name"].(string),
					Price:    m["price"].(float64),
					Quantity: int(m["quantity"].(float64)),
				})
				state.Set("items", items)
				return nil, nil
			},
			"update-item-quantity": func(state *engine.FakeState, args []any) (any, error) {
				raw, _ := state.Get("items")
				items, _ := raw.([]cartItem)
				id, _ := args[0].(string)
				qty := int(args[1].(float64))
				for i := range items {
					if items[i].ID == id {
						items[i].Quantity = qty
					}
				}
				state.Set("items", items)
				return nil, nil
			},
			"get-cart-contents": func(state *engine.FakeState, _ []any) (any, error) {
				raw, _ := state.Get("items")
				items, _ := raw.([]cartItem)
				return items, nil
			},
			"checkout": func(state *engine.FakeState, _ []any) (any, error) {
				state.Set("checked-out", true)
				return nil, nil
			},
		},
	})
}

// TestScenarioShoppingCartRoundTrip exercises create, a sequence of
// cart operations, and checkout, then confirms a fresh get-cart-contents
// invocation against the same worker still reflects the final state,
// since the guest state the fake adapter keeps for the worker outlives
// the invocations that produced it.
func TestScenarioShoppingCartRoundTrip(t *testing.T) {
	s, adapter := newTestSupervisor(t)
	registerShoppingCartModule(adapter, 1)
	id := newTestWorker()

	h, err := s.GetOrCreateSuspended(context.Background(), "env", id, nil, nil, 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.Invoke(h, ids.NewIdempotencyKey(), "initialize-cart", []any{"test-user-1"}))
	_, err = s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "add-item", []any{
		map[string]any{"id": "G1000", "name": "Golem T-Shirt M", "price": 100.0, "quantity": 5.0},
	})
	require.NoError(t, err)
	_, err = s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "add-item", []any{
		map[string]any{"id": "G1001", "name": "Golem Cloud Subscription 1y", "price": 999999.0, "quantity": 1.0},
	})
	require.NoError(t, err)
	_, err = s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "update-item-quantity", []any{"G1001", 20.0})
	require.NoError(t, err)

	ref, err := s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "get-cart-contents", nil)
	require.NoError(t, err)

	h.inst.mu.Lock()
	oh, err := s.handleFor(h.inst)
	h.inst.mu.Unlock()
	require.NoError(t, err)

	var contents []cartItem
	require.NoError(t, oh.GetPayload(ref, &contents))
	require.Len(t, contents, 2)
	require.Equal(t, "G1000", contents[0].ID)
	require.Equal(t, "G1001", contents[1].ID)
	require.Equal(t, 20, contents[1].Quantity)

	_, err = s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "checkout", nil)
	require.NoError(t, err)

	// A get-cart-contents call issued after checkout, against the same
	// worker, still reproduces the same two cart lines.
	ref2, err := s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "get-cart-contents", nil)
	require.NoError(t, err)
	var contents2 []cartItem
	require.NoError(t, oh.GetPayload(ref2, &contents2))
	require.Equal(t, contents, contents2)
}

// TestScenarioIdempotentRetryAcrossRestart genuinely restarts the node
// side of the worker (a fresh Supervisor over the same oplog store and
// engine adapter, so the guest's logical state is the only thing that
// survives, per the Adapter's documented restart model) and confirms a
// repeated add-item with the same idempotency key does not double the
// cart.
func TestScenarioIdempotentRetryAcrossRestart(t *testing.T) {
	store, err := oplog.OpenBoltStore(filepath.Join(t.TempDir(), "oplog.db"), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	adapter := engine.NewFakeAdapter()
	registerShoppingCartModule(adapter, 1)
	pool := admission.NewPool(1 << 30)
	policy := oplog.RetryPolicy{MaxAttempts: 3}

	id := newTestWorker()
	key := ids.NewIdempotencyKey()

	s1 := New(store, adapter, pool, zap.NewNop(), policy, 1.0)
	h1, err := s1.GetOrCreateSuspended(context.Background(), "env", id, nil, nil, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Invoke(h1, ids.NewIdempotencyKey(), "initialize-cart", []any{"test-user-1"}))
	_, err = s1.InvokeAndAwait(context.Background(), h1, key, "add-item", []any{
		map[string]any{"id": "G1000", "name": "Golem T-Shirt M", "price": 100.0, "quantity": 5.0},
	})
	require.NoError(t, err)

	// Restart: a brand-new Supervisor over the same store/adapter, as a
	// fresh process would be.
	s2 := New(store, adapter, pool, zap.NewNop(), policy, 1.0)
	h2, err := s2.GetOrCreateSuspended(context.Background(), "env", id, nil, nil, 1, nil)
	require.NoError(t, err)

	// Same idempotency key again: must be a no-op against the already
	// recorded result, not a second add-item.
	require.NoError(t, s2.Invoke(h2, key, "add-item", []any{
		map[string]any{"id": "G1000", "name": "Golem T-Shirt M", "price": 100.0, "quantity": 5.0},
	}))

	ref, err := s2.InvokeAndAwait(context.Background(), h2, ids.NewIdempotencyKey(), "get-cart-contents", nil)
	require.NoError(t, err)

	h2.inst.mu.Lock()
	oh, err := s2.handleFor(h2.inst)
	h2.inst.mu.Unlock()
	require.NoError(t, err)

	var contents []cartItem
	require.NoError(t, oh.GetPayload(ref, &contents))
	require.Len(t, contents, 1)
}

// TestScenarioPendingQueueConsistencyAtQuiescence checks the
// pending-queue consistency property: once an instance reaches Idle
// with an empty queue, the projected status carries no pending
// invocations and the in-memory queue is empty.
func TestScenarioPendingQueueConsistencyAtQuiescence(t *testing.T) {
	s, adapter := newTestSupervisor(t)
	registerCartModule(adapter, 1)
	id := newTestWorker()

	h, err := s.GetOrCreateSuspended(context.Background(), "env", id, nil, nil, 1, nil)
	require.NoError(t, err)

	_, err = s.InvokeAndAwait(context.Background(), h, ids.NewIdempotencyKey(), "add-item", []any{"widget"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.inst.mu.Lock()
		defer h.inst.mu.Unlock()
		return h.inst.queue.len() == 0
	}, time.Second, 5*time.Millisecond)

	h.inst.mu.Lock()
	pending := append([]QueueItem(nil), h.inst.queue.items...)
	record := h.inst.cached
	h.inst.mu.Unlock()

	require.Empty(t, pending)
	require.Empty(t, record.PendingInvocations)
}

// TestScenarioDeleteInterruptsPendingInvocation models "delete
// interrupts RPC" as far as an unloaded instance allows: deleting a
// worker that is not loaded but still has a queued, not-yet-started
// invocation completes, and further requests see the worker as gone.
func TestScenarioDeleteInterruptsPendingInvocation(t *testing.T) {
	s, _ := newTestSupervisor(t)
	id := newTestWorker()
	h, err := s.GetOrCreateSuspended(context.Background(), "env", id, nil, nil, 1, nil)
	require.NoError(t, err)

	h.inst.mu.Lock()
	h.inst.queue.push(QueueItem{Kind: ItemExportedFunction, IdempotencyKey: ids.NewIdempotencyKey(), FunctionName: "add-item"})
	h.inst.mu.Unlock()

	done := s.Delete(h)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delete did not complete")
	}

	err = s.Invoke(h, ids.NewIdempotencyKey(), "add-item", []any{"x"})
	require.Error(t, err)
}

// TestScenarioAdmissionNeverExceedsBudget models the admission-safety
// property: a pool sized for exactly one worker never grants a second
// permit until the first is released, and the second succeeds once it
// is.
func TestScenarioAdmissionNeverExceedsBudget(t *testing.T) {
	pool := admission.NewPool(100)

	p1, ok := pool.TryAcquire(100)
	require.True(t, ok)
	require.Equal(t, int64(100), pool.InUse())

	_, ok = pool.TryAcquire(1)
	require.False(t, ok, "a second permit must not be granted while the budget is fully committed")
	require.Equal(t, int64(100), pool.InUse())

	pool.Release(p1)
	require.Equal(t, int64(0), pool.InUse())

	p2, ok := pool.TryAcquire(100)
	require.True(t, ok)
	require.Equal(t, int64(100), pool.InUse())
	pool.Release(p2)
}
