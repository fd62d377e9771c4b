// Package observability, metrics.go
//
// Prometheus metrics for a workerd node.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only, no external exposure.
//
// Metric naming convention: workerd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Worker/shard IDs are NEVER used as labels (unbounded cardinality).
//   - Component version is not a label; aggregate by component only
//     where a label is needed at all.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for a node.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Execution loop ──────────────────────────────────────────────────

	// InvocationsTotal counts completed invocations, by outcome
	// (succeeded, failed, exited, interrupted).
	InvocationsTotal *prometheus.CounterVec

	// InvocationLatency records time from dequeue to terminal outcome.
	InvocationLatency prometheus.Histogram

	// LoadedInstances is the current count of Running instances.
	LoadedInstances prometheus.Gauge

	// QueueDepthTotal sums invocation queue depth across all instances.
	QueueDepthTotal prometheus.Gauge

	// ─── Retry ────────────────────────────────────────────────────────────

	// RetryDecisionsTotal counts RetryDecision outcomes, by decision.
	RetryDecisionsTotal *prometheus.CounterVec

	// ─── Admission ────────────────────────────────────────────────────────

	// AdmissionGrantsTotal / AdmissionDeniedTotal mirror admission.Pool's
	// lifetime counters.
	AdmissionGrantsTotal prometheus.Counter
	AdmissionDeniedTotal prometheus.Counter

	// AdmissionBytesInUse is the pool's current granted bytes.
	AdmissionBytesInUse prometheus.Gauge

	// ─── Oplog ────────────────────────────────────────────────────────────

	// OplogAppendLatency records BoltDB AddAndCommit latency.
	OplogAppendLatency prometheus.Histogram

	// OplogEntriesAppendedTotal counts entries written, by kind.
	OplogEntriesAppendedTotal *prometheus.CounterVec

	// ─── Dispatcher ───────────────────────────────────────────────────────

	// RequestsTotal counts inbound dispatcher requests, by method and
	// outcome (ok, wrong_shard, error).
	RequestsTotal *prometheus.CounterVec

	// StreamClientsLaggedTotal counts ClientLagged events emitted on
	// connect streams.
	StreamClientsLaggedTotal prometheus.Counter

	// ─── Node ─────────────────────────────────────────────────────────────

	// NodeUptimeSeconds is the number of seconds since the node started.
	NodeUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all node Prometheus metrics on a
// dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "execution",
			Name:      "invocations_total",
			Help:      "Total invocations reaching a terminal outcome, by outcome.",
		}, []string{"outcome"}),

		InvocationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workerd",
			Subsystem: "execution",
			Name:      "invocation_latency_seconds",
			Help:      "Time from queue dequeue to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}),

		LoadedInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "execution",
			Name:      "loaded_instances",
			Help:      "Current number of instances in the Running internal state.",
		}),

		QueueDepthTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "execution",
			Name:      "queue_depth_total",
			Help:      "Sum of invocation queue depth across all instances.",
		}),

		RetryDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "retry",
			Name:      "decisions_total",
			Help:      "Total RetryDecisions returned by the execution loop, by decision.",
		}, []string{"decision"}),

		AdmissionGrantsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "admission",
			Name:      "grants_total",
			Help:      "Total admission permits granted.",
		}),

		AdmissionDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "admission",
			Name:      "denied_total",
			Help:      "Total admission permit requests denied.",
		}),

		AdmissionBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "admission",
			Name:      "bytes_in_use",
			Help:      "Bytes of the admission pool's budget currently granted.",
		}),

		OplogAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workerd",
			Subsystem: "oplog",
			Name:      "append_latency_seconds",
			Help:      "BoltDB AddAndCommit transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		OplogEntriesAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "oplog",
			Name:      "entries_appended_total",
			Help:      "Total oplog entries appended, by kind.",
		}, []string{"kind"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Total inbound requests, by method and outcome.",
		}, []string{"method", "outcome"}),

		StreamClientsLaggedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workerd",
			Subsystem: "dispatcher",
			Name:      "stream_clients_lagged_total",
			Help:      "Total ClientLagged events emitted on connect streams.",
		}),

		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workerd",
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the node process started.",
		}),
	}

	reg.MustRegister(
		m.InvocationsTotal,
		m.InvocationLatency,
		m.LoadedInstances,
		m.QueueDepthTotal,
		m.RetryDecisionsTotal,
		m.AdmissionGrantsTotal,
		m.AdmissionDeniedTotal,
		m.AdmissionBytesInUse,
		m.OplogAppendLatency,
		m.OplogEntriesAppendedTotal,
		m.RequestsTotal,
		m.StreamClientsLaggedTotal,
		m.NodeUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
