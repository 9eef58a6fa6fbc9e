// Package metrics is the Dispatcher's observability sink: a Prometheus
// registry of request/failure counters, a latency histogram, and
// per-worker state gauges, alongside a flat line-oriented text snapshot,
// per spec.md §6 ("Exposition format is not mandated; a flat
// line-oriented text form is acceptable").
//
// Grounded on the package-level promauto counter/histogram pattern
// exercised in jordigilh-kubernaut's pkg/infrastructure/metrics tests,
// adapted to a per-instance prometheus.Registry (rather than the default
// global registry) so that independent Dispatchers — as spec.md §9's
// "no global singletons" design note requires — can each carry their own
// Recorder without colliding on duplicate metric registration.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcher"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/worker"
)

// Recorder implements dispatcher.Observer, registering every event
// against its own prometheus.Registry.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal    prometheus.Counter
	failuresTotal    *prometheus.CounterVec
	latencySeconds   prometheus.Histogram
	workerState      *prometheus.GaugeVec
	circuitState     *prometheus.GaugeVec
	scaleDecisions   *prometheus.CounterVec
	lastWorkerCount  prometheus.Gauge

	mu sync.Mutex
}

// New constructs a Recorder with a fresh, independent registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttsworkerd_requests_total",
			Help: "Total Synthesize calls accepted by the Dispatcher.",
		}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttsworkerd_failures_total",
			Help: "Total Synthesize failures, labeled by error kind.",
		}, []string{"kind"}),
		latencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttsworkerd_request_latency_seconds",
			Help:    "Synthesize latency from Dispatcher entry to result resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ttsworkerd_worker_state",
			Help: "Current lifecycle state of each worker, as an enum ordinal.",
		}, []string{"worker_id"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ttsworkerd_circuit_state",
			Help: "Current circuit breaker state of each worker (0=CLOSED,1=OPEN,2=HALF_OPEN).",
		}, []string{"worker_id"}),
		scaleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttsworkerd_scale_decisions_total",
			Help: "Autoscale advisories observed, labeled by recommendation.",
		}, []string{"recommendation"}),
		lastWorkerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttsworkerd_worker_count",
			Help: "Worker fleet size as of the most recent scale decision.",
		}),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.failuresTotal,
		r.latencySeconds,
		r.workerState,
		r.circuitState,
		r.scaleDecisions,
		r.lastWorkerCount,
	)

	return r
}

// Registry exposes the underlying prometheus.Registry, e.g. for
// promhttp.HandlerFor.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// RequestStarted implements dispatcher.Observer.
func (r *Recorder) RequestStarted() {}

// RequestSucceeded implements dispatcher.Observer.
func (r *Recorder) RequestSucceeded(latency time.Duration) {
	r.requestsTotal.Inc()
	r.latencySeconds.Observe(latency.Seconds())
}

// RequestFailed implements dispatcher.Observer.
func (r *Recorder) RequestFailed(kind dispatcherrors.Kind) {
	r.requestsTotal.Inc()
	r.failuresTotal.WithLabelValues(string(kind)).Inc()
}

// WorkerStateChanged implements dispatcher.Observer.
func (r *Recorder) WorkerStateChanged(workerID string, _, to worker.State) {
	r.workerState.WithLabelValues(workerID).Set(float64(to))
}

// CircuitStateChanged implements dispatcher.Observer.
func (r *Recorder) CircuitStateChanged(workerID string, _, to breaker.State) {
	r.circuitState.WithLabelValues(workerID).Set(float64(to))
}

// ScaleDecision implements dispatcher.Observer.
func (r *Recorder) ScaleDecision(rec balancer.Recommendation, workerCount int) {
	r.scaleDecisions.WithLabelValues(string(rec)).Inc()
	r.lastWorkerCount.Set(float64(workerCount))
}

// FormatFlat writes the flat line-oriented text snapshot spec.md §6
// explicitly allows as an alternative to the Prometheus exposition
// format: total requests/failures, latency percentiles, per-worker
// state/stats, per-circuit state/window summary, the Load Balancer's
// scoring view, and the most recent scaling decision.
func FormatFlat(w io.Writer, health dispatcher.HealthSnapshot, snap dispatcher.MetricsSnapshot) error {
	lines := []string{
		fmt.Sprintf("total_requests %d", snap.TotalRequests),
		fmt.Sprintf("total_failures %d", snap.TotalFailures),
		fmt.Sprintf("latency_p50_ms %.2f", snap.P50LatencyMs),
		fmt.Sprintf("latency_p95_ms %.2f", snap.P95LatencyMs),
		fmt.Sprintf("latency_p99_ms %.2f", snap.P99LatencyMs),
		fmt.Sprintf("worker_count %d", health.WorkerCount),
		fmt.Sprintf("shutting_down %t", health.ShuttingDown),
		fmt.Sprintf("last_scale_recommendation %s", snap.LastScaleEvent.Recommendation),
		fmt.Sprintf("last_scale_worker_count %d", snap.LastScaleEvent.WorkerCount),
	}

	workers := append([]dispatcher.WorkerHealth(nil), health.Workers...)
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	for _, wh := range workers {
		lines = append(lines,
			fmt.Sprintf("worker{id=%q} state=%s requests=%d avg_latency_ms=%d success_rate=%.3f",
				wh.WorkerID, wh.State, wh.Stats.RequestsProcessed, wh.Stats.AverageLatency.Milliseconds(), wh.Stats.SuccessRate),
			fmt.Sprintf("circuit{worker=%q} state=%s failure_rate=%.3f window=%d/%d",
				wh.WorkerID, wh.Breaker.State, wh.Breaker.FailureRate, wh.Breaker.WindowLen, wh.Breaker.WindowCap),
		)
	}

	for _, entry := range snap.LoadBalancer {
		lines = append(lines,
			fmt.Sprintf("balancer{worker=%q} queue_depth=%d avg_response_ms=%d success_rate=%.3f specialty=%q",
				entry.WorkerID, entry.QueueDepth, entry.AverageResponseTime, entry.SuccessRate, entry.ModelSpecialty))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
