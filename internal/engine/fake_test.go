package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/retry"
)

func testWorker() ids.OwnedWorkerID {
	return ids.OwnedWorkerID{
		Environment: ids.EnvironmentID{Value: uuid.New()},
		Worker: ids.WorkerID{
			Component: ids.ComponentID{Value: uuid.New()},
			Name:      "fake-adapter-test",
		},
	}
}

func openHandle(t *testing.T, id ids.OwnedWorkerID) oplog.Handle {
	t.Helper()
	store, err := oplog.OpenBoltStore(filepath.Join(t.TempDir(), "oplog.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h, err := store.Open(id)
	require.NoError(t, err)
	return h
}

func cartModule() FakeModule {
	return FakeModule{
		InitialMemory: 1 << 20,
		ComponentSize: 4096,
		Plugins:       []string{"cart-plugin"},
		Exports: map[string]FakeFunction{
			"add-item": func(state *FakeState, args []any) (any, error) {
				items, _ := state.Get("items")
				list, _ := items.([]any)
				list = append(list, args[0])
				state.Set("items", list)
				return len(list), nil
			},
			"count": func(state *FakeState, _ []any) (any, error) {
				items, ok := state.Get("items")
				if !ok {
					return 0, nil
				}
				return len(items.([]any)), nil
			},
		},
	}
}

func TestFakeAdapterGetModuleReturnsRegisteredExports(t *testing.T) {
	a := NewFakeAdapter()
	a.RegisterModule(1, cartModule())

	m, err := a.GetModule(context.Background(), "env", ids.ComponentID{Value: uuid.New()}, 1)
	require.NoError(t, err)
	require.Len(t, m.Metadata.Exports, 2)
	require.Equal(t, int64(1<<20), m.Metadata.InitialLinearMemory)
	require.Equal(t, []string{"cart-plugin"}, m.Metadata.InstalledPlugins)
}

func TestFakeAdapterGetModuleUnregisteredVersionFails(t *testing.T) {
	a := NewFakeAdapter()
	_, err := a.GetModule(context.Background(), "env", ids.ComponentID{Value: uuid.New()}, 99)
	require.Error(t, err)
}

func TestFakeAdapterFailNextModuleLoadFailsOnceThenRecovers(t *testing.T) {
	a := NewFakeAdapter()
	a.RegisterModule(1, cartModule())
	a.FailNextModuleLoad = true

	_, err := a.GetModule(context.Background(), "env", ids.ComponentID{Value: uuid.New()}, 1)
	require.Error(t, err)

	_, err = a.GetModule(context.Background(), "env", ids.ComponentID{Value: uuid.New()}, 1)
	require.NoError(t, err)
}

func TestFakeAdapterInvokeWorkerRunsExportAndEncodesResult(t *testing.T) {
	a := NewFakeAdapter()
	a.RegisterModule(1, cartModule())
	id := testWorker()
	h := openHandle(t, id)

	module, err := a.GetModule(context.Background(), "env", id.Worker.Component, 1)
	require.NoError(t, err)
	instCtx, err := a.Create(context.Background(), id, module, WorkerConfig{ComponentVersion: 1})
	require.NoError(t, err)

	argsRef, err := h.PutPayload([]any{"widget"})
	require.NoError(t, err)

	res, err := a.InvokeWorker(context.Background(), "add-item", argsRef, h, instCtx)
	require.NoError(t, err)
	require.Equal(t, InvokeSucceeded, res.Outcome)

	var count int
	require.NoError(t, h.GetPayload(res.Output, &count))
	require.Equal(t, 1, count)
}

func TestFakeAdapterInvokeWorkerUnknownExportFailsAsInvalidRequest(t *testing.T) {
	a := NewFakeAdapter()
	a.RegisterModule(1, cartModule())
	id := testWorker()
	h := openHandle(t, id)

	module, err := a.GetModule(context.Background(), "env", id.Worker.Component, 1)
	require.NoError(t, err)
	instCtx, err := a.Create(context.Background(), id, module, WorkerConfig{ComponentVersion: 1})
	require.NoError(t, err)

	res, err := a.InvokeWorker(context.Background(), "does-not-exist", oplog.PayloadRef{}, h, instCtx)
	require.NoError(t, err)
	require.Equal(t, InvokeFailed, res.Outcome)
	require.Equal(t, oplog.ErrorClassInvalidRequest, res.ErrorClass)
}

func TestFakeAdapterInvokeOnClosedContextFails(t *testing.T) {
	a := NewFakeAdapter()
	a.RegisterModule(1, cartModule())
	id := testWorker()
	h := openHandle(t, id)

	module, err := a.GetModule(context.Background(), "env", id.Worker.Component, 1)
	require.NoError(t, err)
	instCtx, err := a.Create(context.Background(), id, module, WorkerConfig{ComponentVersion: 1})
	require.NoError(t, err)
	require.NoError(t, instCtx.Close())

	_, err = a.InvokeWorker(context.Background(), "count", oplog.PayloadRef{}, h, instCtx)
	require.Error(t, err)
}

func TestFakeAdapterStateSurvivesContextReconstruction(t *testing.T) {
	a := NewFakeAdapter()
	a.RegisterModule(1, cartModule())
	id := testWorker()
	h := openHandle(t, id)

	module, err := a.GetModule(context.Background(), "env", id.Worker.Component, 1)
	require.NoError(t, err)

	instCtx1, err := a.Create(context.Background(), id, module, WorkerConfig{ComponentVersion: 1})
	require.NoError(t, err)
	argsRef, err := h.PutPayload([]any{"widget"})
	require.NoError(t, err)
	_, err = a.InvokeWorker(context.Background(), "add-item", argsRef, h, instCtx1)
	require.NoError(t, err)
	require.NoError(t, instCtx1.Close())

	instCtx2, err := a.Create(context.Background(), id, module, WorkerConfig{ComponentVersion: 1})
	require.NoError(t, err)
	res, err := a.InvokeWorker(context.Background(), "count", oplog.PayloadRef{}, h, instCtx2)
	require.NoError(t, err)

	var count int
	require.NoError(t, h.GetPayload(res.Output, &count))
	require.Equal(t, 1, count)
}

func TestFakeAdapterPrepareInstanceAlwaysReportsReady(t *testing.T) {
	a := NewFakeAdapter()
	decision, err := a.PrepareInstance(context.Background(), ids.WorkerID{Name: "x"}, nil, ids.NoIndex)
	require.NoError(t, err)
	require.Equal(t, retry.DecisionNone, decision.Decision)
}
