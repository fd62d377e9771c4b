// Package engine, fake.go
//
// FakeAdapter is an in-process stand-in for the out-of-scope bytecode
// engine, used by this repository's own tests. It lets the Instance
// Supervisor and Execution Loop be exercised end-to-end, including a
// shopping-cart-style scenario with idempotent retries, without a real
// guest runtime.
//
// A registered FakeModule is a plain table of named Go functions; a
// FakeState holds one guest's mutable state. FakeAdapter keeps that
// state in memory, keyed by owned worker ID, independent of Context
// construction: a real engine reconstructs guest memory by replaying
// the oplog inside prepare_instance, but a Go map has no memory image
// to snapshot and restore, so this fake models "restart" as discarding
// the Supervisor-side Context while keeping the guest's logical state,
// which is sufficient to exercise the Supervisor's own idempotency and
// recovery bookkeeping (the part this repository actually implements).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/retry"
)

// FakeFunction implements one guest export.
type FakeFunction func(state *FakeState, args []any) (result any, err error)

// FakeModule is a registered guest program.
type FakeModule struct {
	Exports       map[string]FakeFunction
	InitialMemory int64
	ComponentSize uint64
	Plugins       []string
	Ephemeral     bool

	// ResultCounts optionally declares each export's result arity, by
	// name, for ValueMismatch testing. An export absent from this map
	// reports ResultCount -1 (arity unchecked).
	ResultCounts map[string]int
}

// FakeState is one instance's guest-visible mutable state.
type FakeState struct {
	mu     sync.Mutex
	Values map[string]any
}

func newFakeState() *FakeState {
	return &FakeState{Values: map[string]any{}}
}

func (s *FakeState) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Values[key]
	return v, ok
}

func (s *FakeState) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Values[key] = v
}

// FakeAdapter implements Adapter for tests.
type FakeAdapter struct {
	mu      sync.Mutex
	modules map[ids.ComponentVersion]FakeModule
	states  map[ids.OwnedWorkerID]*FakeState

	// FailNextModuleLoad, if set, makes the next GetModule call fail once,
	// exercising the transient load failure path.
	FailNextModuleLoad bool
}

// NewFakeAdapter creates an adapter with no modules registered.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		modules: map[ids.ComponentVersion]FakeModule{},
		states:  map[ids.OwnedWorkerID]*FakeState{},
	}
}

// RegisterModule makes version loadable with the given function table.
func (f *FakeAdapter) RegisterModule(version ids.ComponentVersion, module FakeModule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[version] = module
}

func (f *FakeAdapter) GetModule(_ context.Context, _ string, component ids.ComponentID, version ids.ComponentVersion) (Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextModuleLoad {
		f.FailNextModuleLoad = false
		return Module{}, fmt.Errorf("engine: simulated transient module load failure")
	}
	m, ok := f.modules[version]
	if !ok {
		return Module{}, fmt.Errorf("engine: no module registered for version %d", version)
	}
	exports := make([]ExportSignature, 0, len(m.Exports))
	for name := range m.Exports {
		resultCount, ok := m.ResultCounts[name]
		if !ok {
			resultCount = -1
		}
		exports = append(exports, ExportSignature{Name: name, ResultCount: resultCount})
	}
	return Module{
		ComponentID:      component,
		ComponentVersion: version,
		Metadata: ModuleMetadata{
			Exports:             exports,
			InitialLinearMemory: m.InitialMemory,
			ComponentSize:       m.ComponentSize,
			InstalledPlugins:    m.Plugins,
			Ephemeral:           m.Ephemeral,
		},
	}, nil
}

// fakeContext binds an owned worker to its FakeState and function table.
type fakeContext struct {
	id     ids.OwnedWorkerID
	state  *FakeState
	module FakeModule
	closed bool
}

func (c *fakeContext) Close() error {
	c.closed = true
	return nil
}

func (f *FakeAdapter) Create(_ context.Context, id ids.OwnedWorkerID, module Module, _ WorkerConfig) (Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		st = newFakeState()
		f.states[id] = st
	}
	m := f.modules[module.ComponentVersion]
	return &fakeContext{id: id, state: st, module: m}, nil
}

// PrepareInstance is a no-op for the fake: guest state already survives
// Context reconstruction (see package doc). Always reports ready.
func (f *FakeAdapter) PrepareInstance(_ context.Context, _ ids.WorkerID, _ Context, _ ids.OplogIndex) (retry.RetryDecision, error) {
	return retry.RetryDecision{Decision: retry.DecisionNone}, nil
}

func (f *FakeAdapter) InvokeWorker(_ context.Context, fullFunctionName string, args oplog.PayloadRef, store oplog.Handle, instCtx Context) (InvokeResult, error) {
	fc, ok := instCtx.(*fakeContext)
	if !ok {
		return InvokeResult{}, fmt.Errorf("engine: fake adapter given foreign context")
	}
	if fc.closed {
		return InvokeResult{}, fmt.Errorf("engine: invoke on closed context")
	}
	fn, ok := fc.module.Exports[fullFunctionName]
	if !ok {
		return InvokeResult{
			Outcome:    InvokeFailed,
			Err:        fmt.Errorf("engine: export %q not found", fullFunctionName),
			ErrorClass: oplog.ErrorClassInvalidRequest,
		}, nil
	}

	var decodedArgs []any
	if !args.IsZero() {
		if err := store.GetPayload(args, &decodedArgs); err != nil {
			return InvokeResult{
				Outcome:    InvokeFailed,
				Err:        fmt.Errorf("engine: decode args: %w", err),
				ErrorClass: oplog.ErrorClassUnknown,
			}, nil
		}
	}

	result, err := fn(fc.state, decodedArgs)
	if err != nil {
		return InvokeResult{
			Outcome:    InvokeFailed,
			Err:        err,
			ErrorClass: oplog.ErrorClassUnknown,
		}, nil
	}

	var outRef oplog.PayloadRef
	if result != nil {
		outRef, err = store.PutPayload(result)
		if err != nil {
			return InvokeResult{
				Outcome:    InvokeFailed,
				Err:        fmt.Errorf("engine: encode result: %w", err),
				ErrorClass: oplog.ErrorClassUnknown,
			}, nil
		}
	}
	return InvokeResult{Outcome: InvokeSucceeded, Output: outRef}, nil
}

func (f *FakeAdapter) RefillFuel(_ Context, _ int64) error { return nil }

func (f *FakeAdapter) InstallEpochDeadline(_ Context, deadline time.Duration) (<-chan struct{}, error) {
	ch := make(chan struct{})
	go func() {
		time.Sleep(deadline)
		close(ch)
	}()
	return ch, nil
}
