// Package main, cmd/workerd-sim/main.go
//
// In-process smoke test driving the shopping-cart round-trip scenario
// against a Dispatcher wired to the fake engine adapter: no network and no
// persistent state (the oplog store and the metadata database are
// BoltDB files in the temp directory, removed when main returns), so the scenario can be run
// as a quick correctness check without standing up a full node.
//
// Usage:
//   workerd-sim [-verbose]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/google/uuid"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/dispatcher"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/observability"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/shard"
	"github.com/corehost/workerd/internal/storage"
	"github.com/corehost/workerd/internal/supervisor"
)

// cartState is the guest's in-memory model: a simple running total.
type cartState struct {
	items []string
	total int
}

func main() {
	verbose := flag.Bool("verbose", false, "Log every request at debug level")
	flag.Parse()

	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	log, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	tmpDB, err := os.CreateTemp("", "workerd-sim-*.db")
	if err != nil {
		log.Fatal("temp metadata db failed", zap.Error(err))
	}
	tmpDB.Close()
	defer os.Remove(tmpDB.Name())

	meta, err := storage.Open(tmpDB.Name())
	if err != nil {
		log.Fatal("metadata store open failed", zap.Error(err))
	}
	defer meta.Close() //nolint:errcheck

	tmpOplog, err := os.CreateTemp("", "workerd-sim-oplog-*.db")
	if err != nil {
		log.Fatal("temp oplog db failed", zap.Error(err))
	}
	tmpOplog.Close()
	defer os.Remove(tmpOplog.Name())

	store, err := oplog.OpenBoltStore(tmpOplog.Name(), log)
	if err != nil {
		log.Fatal("oplog store open failed", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	adapter := engine.NewFakeAdapter()
	componentID := ids.ComponentID{Value: uuid.New()}
	componentVersion := ids.ComponentVersion(1)
	adapter.RegisterModule(componentVersion, engine.FakeModule{
		InitialMemory: 16 << 20,
		ComponentSize: 1 << 20,
		Exports: map[string]engine.FakeFunction{
			"add_item": func(state *engine.FakeState, args []any) (any, error) {
				raw, _ := state.Get("cart")
				cart, _ := raw.(*cartState)
				if cart == nil {
					cart = &cartState{}
					state.Set("cart", cart)
				}
				item, _ := args[0].(string)
				price, _ := args[1].(float64)
				cart.items = append(cart.items, item)
				cart.total += int(price)
				return cart.total, nil
			},
			"get_total": func(state *engine.FakeState, _ []any) (any, error) {
				raw, _ := state.Get("cart")
				cart, _ := raw.(*cartState)
				if cart == nil {
					return 0, nil
				}
				return cart.total, nil
			},
		},
	})

	pool := admission.NewPool(1 << 30)
	defaultPolicy := oplog.RetryPolicy{MinDelay: 0, MaxDelay: 0, Multiplier: 1, Jitter: 0, MaxAttempts: 3}
	super := supervisor.New(store, adapter, pool, log, defaultPolicy, 1.5)

	shards := shard.New()
	shards.Register("sim", 0, ids.ShardCount(1))
	shards.AssignShards([]ids.ShardID{0})

	metrics := observability.NewMetrics()
	disp := dispatcher.New("sim", super, shards, store, meta, metrics, log, 500)

	ctx := context.Background()
	env := ids.EnvironmentID{Value: uuid.New()}
	worker := ids.OwnedWorkerID{Environment: env, Worker: ids.WorkerID{Component: componentID, Name: "cart-1"}}

	if _, err := disp.Create(ctx, dispatcher.CreateRequest{
		ID:               worker,
		ComponentVersion: componentVersion,
		Args:             nil,
		Env:              nil,
	}); err != nil {
		log.Fatal("create failed", zap.Error(err))
	}
	log.Info("worker created", zap.String("worker", worker.String()))

	shards.Track(worker)

	addResp, err := disp.InvokeAndAwait(ctx, dispatcher.InvokeAndAwaitRequest{
		ID:             worker,
		IdempotencyKey: ids.NewIdempotencyKey(),
		Function:       "add_item",
		Args:           []any{"widget", 500.0},
	})
	if err != nil {
		log.Fatal("add_item invoke failed", zap.Error(err))
	}

	oh, err := store.Open(worker)
	if err != nil {
		log.Fatal("open oplog for decode failed", zap.Error(err))
	}
	var total int
	if err := oh.GetPayload(addResp.Result, &total); err != nil {
		log.Fatal("decode add_item result failed", zap.Error(err))
	}
	oh.Close()
	fmt.Printf("after add_item: total=%d\n", total)

	// Repeat the same idempotency key: the supervisor must replay the
	// cached result rather than re-running add_item, so the total stays
	// 750 (500 + 250) instead of growing to 1000.
	dupeKey := ids.NewIdempotencyKey()
	if _, err := disp.InvokeAndAwait(ctx, dispatcher.InvokeAndAwaitRequest{
		ID:             worker,
		IdempotencyKey: dupeKey,
		Function:       "add_item",
		Args:           []any{"gadget", 250.0},
	}); err != nil {
		log.Fatal("second add_item invoke failed", zap.Error(err))
	}
	retryResp, err := disp.InvokeAndAwait(ctx, dispatcher.InvokeAndAwaitRequest{
		ID:             worker,
		IdempotencyKey: dupeKey,
		Function:       "add_item",
		Args:           []any{"gadget", 250.0},
	})
	if err != nil {
		log.Fatal("idempotent retry invoke failed", zap.Error(err))
	}
	var retryTotal int
	oh2, _ := store.Open(worker)
	_ = oh2.GetPayload(retryResp.Result, &retryTotal)
	oh2.Close()
	fmt.Printf("after idempotent retry of add_item(gadget): total=%d\n", retryTotal)

	metaRow, err := disp.GetMetadata(ctx, dispatcher.GetMetadataRequest{ID: worker})
	if err != nil {
		log.Fatal("get_metadata failed", zap.Error(err))
	}
	fmt.Printf("final status: %s\n", metaRow.Row.LastStatus.Status)

	log.Info("shopping-cart scenario complete")
}
