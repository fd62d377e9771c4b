// Package main, cmd/workerd/main.go
//
// Node entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/workerd/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open the metadata BoltDB store.
//  4. Open the oplog/payload BoltDB store.
//  5. Construct the Admission Pool.
//  6. Construct the Engine Adapter (fake, until a real engine is wired in).
//  7. Construct the Instance Supervisor.
//  8. Construct the Shard Table and assign this node its static shard set.
//  9. Track every already-persisted worker in the Shard Table.
// 10. Construct the Dispatcher.
// 11. Start the Prometheus metrics server (loopback).
// 12. Start the gRPC dispatcher listener.
// 13. Register SIGHUP handler for config hot-reload.
// 14. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the gRPC server and metrics server).
//  2. Wait for both listeners to return, up to a bounded deadline.
//  3. Close the oplog store.
//  4. Close the metadata store.
//  5. Flush the logger.
//  6. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/corehost/workerd/internal/admission"
	"github.com/corehost/workerd/internal/config"
	"github.com/corehost/workerd/internal/dispatcher"
	"github.com/corehost/workerd/internal/engine"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/observability"
	"github.com/corehost/workerd/internal/oplog"
	"github.com/corehost/workerd/internal/shard"
	"github.com/corehost/workerd/internal/storage"
	"github.com/corehost/workerd/internal/supervisor"
)

const (
	buildVersion = "0.1.0-dev"
	shutdownGrace = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/workerd/config.yaml", "Path to config.yaml")
	printVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("workerd %s\n", buildVersion)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("workerd starting",
		zap.String("version", buildVersion),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Metadata store ────────────────────────────────────────────
	meta, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("metadata store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer meta.Close() //nolint:errcheck
	log.Info("metadata store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Oplog store ───────────────────────────────────────────────
	oplogPath := cfg.Storage.DBPath + ".oplog"
	store, err := oplog.OpenBoltStore(oplogPath, log)
	if err != nil {
		log.Fatal("oplog store open failed", zap.Error(err), zap.String("path", oplogPath))
	}
	defer store.Close() //nolint:errcheck
	log.Info("oplog store opened", zap.String("path", oplogPath))

	// ── Step 5: Admission Pool ────────────────────────────────────────────
	pool := admission.NewPool(cfg.Memory.PoolCapacityBytes)
	log.Info("admission pool constructed", zap.Int64("capacity_bytes", cfg.Memory.PoolCapacityBytes))

	// ── Step 6: Engine Adapter ────────────────────────────────────────────
	// A real bytecode engine is out of scope; the fake adapter keeps the
	// node runnable end to end (smoke tests, the shopping-cart scenario)
	// until one is wired in behind the same engine.Adapter contract.
	adapter := engine.NewFakeAdapter()

	defaultPolicy := oplog.RetryPolicy{
		MinDelay:    cfg.Retry.Default.MinDelay,
		MaxDelay:    cfg.Retry.Default.MaxDelay,
		Multiplier:  cfg.Retry.Default.Multiplier,
		Jitter:      cfg.Retry.Default.Jitter,
		MaxAttempts: cfg.Retry.Default.MaxAttempts,
	}

	// ── Step 7: Instance Supervisor ───────────────────────────────────────
	super := supervisor.New(store, adapter, pool, log, defaultPolicy, cfg.Memory.WorkerEstimateCoefficient)

	// ── Step 8: Shard Table ───────────────────────────────────────────────
	// A single-node deployment owns every shard; a clustered deployment
	// would assign a subset here from an external placement decision.
	shards := shard.New()
	shards.Register(cfg.Listen.Host, cfg.Listen.Port, ids.ShardCount(1))
	shards.AssignShards(allShards(ids.ShardCount(1)))

	// ── Step 9: Re-track persisted workers ────────────────────────────────
	rows, err := meta.EnumerateAll()
	if err != nil {
		log.Fatal("metadata enumeration failed", zap.Error(err))
	}
	for _, row := range rows {
		shards.Track(row.ID)
	}
	log.Info("worker metadata recovered", zap.Int("count", len(rows)))

	// ── Step 10: Metrics + Dispatcher ─────────────────────────────────────
	metrics := observability.NewMetrics()
	disp := dispatcher.New(cfg.NodeID, super, shards, store, meta, metrics, log, cfg.Limits.MaxOplogQueryPageSize)

	// ── Steps 11-12: background listeners ─────────────────────────────────
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := metrics.ServeMetrics(gctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
			return err
		}
		return nil
	})
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	listenAddr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	group.Go(func() error {
		if err := dispatcher.ListenAndServe(gctx, listenAddr, cfg.Listen.TLSCertFile, cfg.Listen.TLSKeyFile, cfg.Listen.TLSCAFile, disp, log); err != nil {
			log.Error("dispatcher server error", zap.Error(err))
			return err
		}
		return nil
	})
	log.Info("dispatcher listening", zap.String("addr", listenAddr))

	// ── Step 13: SIGHUP hot-reload ─────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			// Only the two retry policies are copied into cfg. The running
			// Supervisor keeps the default policy it was constructed with,
			// so the copied values reach no running component until the
			// next restart. Listener bind address and TLS material are
			// left alone.
			cfg.Retry.Default = newCfg.Retry.Default
			cfg.Memory.OOMRetry = newCfg.Memory.OOMRetry
			log.Info("config hot-reload stored retry policies in config (running components keep their startup values)")
		}
	}()

	// ── Step 14: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("background listener exited with error during shutdown", zap.Error(err))
		}
	case <-time.After(shutdownGrace):
		log.Warn("shutdown drain timeout, forcing exit")
	}

	log.Info("workerd shutdown complete")
}

// allShards returns the full [0, n) shard range, used for the
// single-node deployment shape where one node owns every shard.
func allShards(n ids.ShardCount) []ids.ShardID {
	out := make([]ids.ShardID, n)
	for i := range out {
		out[i] = ids.ShardID(i)
	}
	return out
}
