package dispatcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/apierr"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/shard"
	"github.com/corehost/workerd/internal/storage"
	"github.com/corehost/workerd/internal/supervisor"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *engine.FakeAdapter) {
	t.Helper()
	store, err := oplog.OpenBoltStore(filepath.Join(t.TempDir(), "oplog.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	meta, err := storage.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	adapter := engine.NewFakeAdapter()
	adapter.RegisterModule(1, engine.FakeModule{
		Exports: map[string]engine.FakeFunction{
			"add-item": func(state *engine.FakeState, args []any) (any, error) {
				items, _ := state.Get("items")
				list, _ := items.([]any)
				list = append(list, args[0])
				state.Set("items", list)
				return len(list), nil
			},
		},
	})

	pool := admission.NewPool(1 << 30)
	super := supervisor.New(store, adapter, pool, zap.NewNop(), oplog.RetryPolicy{MaxAttempts: 3}, 1.0)

	shards := shard.New()
	shards.Register("test-node", 9000, 1)
	shards.AssignShards([]ids.ShardID{0})

	return New("test-node", super, shards, store, meta, nil, zap.NewNop(), 500), adapter
}

func newOwnedWorker() ids.OwnedWorkerID {
	return ids.OwnedWorkerID{
		Environment: ids.EnvironmentID{Value: uuid.New()},
		Worker: ids.WorkerID{
			Component: ids.ComponentID{Value: uuid.New()},
			Name:      ids.WorkerName("worker-" + uuid.NewString()),
		},
	}
}

func TestDispatcherCreateThenGetMetadata(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()

	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	resp, err := d.GetMetadata(context.Background(), GetMetadataRequest{ID: id})
	require.NoError(t, err)
	require.Equal(t, id, resp.Row.ID)
}

func TestDispatcherCreateTwiceFailsAlreadyExists(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()

	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	_, err = d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.ErrorIs(t, err, apierr.WorkerAlreadyExists)
}

func TestDispatcherRejectsRequestsForUnownedShard(t *testing.T) {
	d, _ := newTestDispatcher(t)
	// Revoke the only shard this node owns, then every request should
	// fail WrongShard regardless of the worker identity.
	d.shards.RevokeShards([]ids.ShardID{0}, nil)

	_, err := d.Create(context.Background(), CreateRequest{ID: newOwnedWorker(), ComponentVersion: 1})
	require.ErrorIs(t, err, apierr.WrongShard(""))
}

func TestDispatcherInvokeAndAwaitRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	resp, err := d.InvokeAndAwait(context.Background(), InvokeAndAwaitRequest{
		ID:             id,
		IdempotencyKey: ids.NewIdempotencyKey(),
		Function:       "add-item",
		Args:           []any{"widget"},
	})
	require.NoError(t, err)
	require.False(t, resp.Result.IsZero())
}

func TestDispatcherInvokeUnknownWorkerFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Invoke(context.Background(), InvokeRequest{ID: newOwnedWorker(), Function: "add-item"})
	require.ErrorIs(t, err, apierr.WorkerNotFound)
}

func TestDispatcherCancelInvocationOnQueuedItem(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	key := ids.NewIdempotencyKey()
	_, err = d.Invoke(context.Background(), InvokeRequest{ID: id, IdempotencyKey: key, Function: "add-item", Args: []any{"x"}})
	require.NoError(t, err)

	// May or may not still be queued depending on scheduling, but the
	// call must not error either way.
	_, err = d.CancelInvocation(context.Background(), CancelInvocationRequest{ID: id, Key: key})
	require.NoError(t, err)
}

func TestDispatcherDeleteRemovesMetadataRow(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	_, err = d.Delete(context.Background(), DeleteRequest{ID: id})
	require.NoError(t, err)

	_, err = d.GetMetadata(context.Background(), GetMetadataRequest{ID: id})
	require.ErrorIs(t, err, apierr.WorkerNotFound)
}

func TestDispatcherEnumerateWorkersReturnsCreated(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := ids.EnvironmentID{Value: uuid.New()}
	comp := ids.ComponentID{Value: uuid.New()}

	var created []ids.OwnedWorkerID
	for i := 0; i < 3; i++ {
		id := ids.OwnedWorkerID{Environment: env, Worker: ids.WorkerID{Component: comp, Name: ids.WorkerName(uuid.NewString())}}
		_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
		require.NoError(t, err)
		created = append(created, id)
	}

	resp, err := d.EnumerateWorkers(context.Background(), EnumerateWorkersRequest{Environment: env, Component: &comp})
	require.NoError(t, err)
	require.Len(t, resp.Rows, len(created))
}

func TestDispatcherGetOplogReturnsCreateEntry(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	resp, err := d.GetOplog(context.Background(), GetOplogRequest{ID: id, From: 1, To: 0})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, oplog.KindCreate, resp.Entries[0].Data.Kind())
}

func TestDispatcherSearchOplogFiltersByKind(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)
	_, err = d.InvokeAndAwait(context.Background(), InvokeAndAwaitRequest{ID: id, IdempotencyKey: ids.NewIdempotencyKey(), Function: "add-item", Args: []any{"x"}})
	require.NoError(t, err)

	resp, err := d.SearchOplog(context.Background(), SearchOplogRequest{ID: id, From: 1, To: 0, KindFilter: []oplog.Kind{oplog.KindCreate}})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, oplog.KindCreate, resp.Entries[0].Data.Kind())
}

func TestDispatcherForkCopiesSourcePrefix(t *testing.T) {
	d, _ := newTestDispatcher(t)
	source := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: source, ComponentVersion: 1})
	require.NoError(t, err)
	_, err = d.InvokeAndAwait(context.Background(), InvokeAndAwaitRequest{ID: source, IdempotencyKey: ids.NewIdempotencyKey(), Function: "add-item", Args: []any{"x"}})
	require.NoError(t, err)

	target := newOwnedWorker()
	target.Environment = source.Environment
	_, err = d.Fork(context.Background(), ForkRequest{Source: source, Target: target})
	require.NoError(t, err)

	resp, err := d.GetOplog(context.Background(), GetOplogRequest{ID: target, From: 1, To: 0})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Entries)
}

func TestDispatcherRevertHidesTrailingEntries(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)
	_, err = d.InvokeAndAwait(context.Background(), InvokeAndAwaitRequest{ID: id, IdempotencyKey: ids.NewIdempotencyKey(), Function: "add-item", Args: []any{"x"}})
	require.NoError(t, err)

	_, err = d.Revert(context.Background(), RevertRequest{ID: id, ToIndex: 1})
	require.NoError(t, err)

	// Create=1, PendingWorkerInvocation=2, ExportedFunctionInvoked=3,
	// ExportedFunctionCompleted=4: reverting to 1 hides [2, 5).
	md, err := d.GetMetadata(context.Background(), GetMetadataRequest{ID: id})
	require.NoError(t, err)
	require.NotNil(t, md.Row.LastStatus)
	regions := md.Row.LastStatus.DeletedRegions
	require.Len(t, regions, 1)
	require.Equal(t, ids.OplogIndex(2), regions[0].From)
	require.Equal(t, ids.OplogIndex(5), regions[0].To)
}

func TestDispatcherActivateAndDeactivatePlugin(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	_, err = d.ActivatePlugin(context.Background(), ActivatePluginRequest{ID: id, PluginID: "cart-plugin"})
	require.NoError(t, err)

	_, err = d.DeactivatePlugin(context.Background(), DeactivatePluginRequest{ID: id, PluginID: "cart-plugin"})
	require.NoError(t, err)
}

func TestDispatcherConnectStopsWhenContextCancelled(t *testing.T) {
	d, _ := newTestDispatcher(t)
	id := newOwnedWorker()
	_, err := d.Create(context.Background(), CreateRequest{ID: id, ComponentVersion: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.Connect(ctx, ConnectRequest{ID: id}, func(ConnectEvent) error { return nil })
	require.NoError(t, err)
}
