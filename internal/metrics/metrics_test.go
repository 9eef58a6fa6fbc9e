package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcher"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/worker"
)

func TestRecorder_RequestSucceeded(t *testing.T) {
	r := New()

	r.RequestSucceeded(50 * time.Millisecond)
	r.RequestSucceeded(100 * time.Millisecond)

	if got := testutil.ToFloat64(r.requestsTotal); got != 2 {
		t.Errorf("requestsTotal = %v, want 2", got)
	}
}

func TestRecorder_RequestFailed(t *testing.T) {
	r := New()

	r.RequestFailed(dispatcherrors.KindCircuitOpen)
	r.RequestFailed(dispatcherrors.KindCircuitOpen)
	r.RequestFailed(dispatcherrors.KindRequestTimeout)

	if got := testutil.ToFloat64(r.failuresTotal.WithLabelValues("circuit_open")); got != 2 {
		t.Errorf("failuresTotal[circuit_open] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.failuresTotal.WithLabelValues("request_timeout")); got != 1 {
		t.Errorf("failuresTotal[request_timeout] = %v, want 1", got)
	}
}

func TestRecorder_WorkerAndCircuitState(t *testing.T) {
	r := New()

	r.WorkerStateChanged("worker-1", worker.StateInitializing, worker.StateReady)
	r.CircuitStateChanged("worker-1", breaker.StateClosed, breaker.StateOpen)

	if got := testutil.ToFloat64(r.workerState.WithLabelValues("worker-1")); got != float64(worker.StateReady) {
		t.Errorf("workerState[worker-1] = %v, want %v", got, worker.StateReady)
	}
	if got := testutil.ToFloat64(r.circuitState.WithLabelValues("worker-1")); got != float64(breaker.StateOpen) {
		t.Errorf("circuitState[worker-1] = %v, want %v", got, breaker.StateOpen)
	}
}

func TestRecorder_ScaleDecision(t *testing.T) {
	r := New()

	r.ScaleDecision(balancer.RecommendScaleUp, 3)

	if got := testutil.ToFloat64(r.scaleDecisions.WithLabelValues("scale_up")); got != 1 {
		t.Errorf("scaleDecisions[scale_up] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.lastWorkerCount); got != 3 {
		t.Errorf("lastWorkerCount = %v, want 3", got)
	}
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	// Two Recorders must not collide on duplicate metric registration,
	// since every Dispatcher constructs its own instance.
	a := New()
	b := New()
	if a.Registry() == b.Registry() {
		t.Fatal("two Recorders share a registry")
	}
}

func TestFormatFlat(t *testing.T) {
	health := dispatcher.HealthSnapshot{
		WorkerCount: 1,
		Workers: []dispatcher.WorkerHealth{
			{WorkerID: "worker-1", State: worker.StateReady},
		},
	}
	snap := dispatcher.MetricsSnapshot{
		TotalRequests: 10,
		TotalFailures: 1,
		P50LatencyMs:  42,
	}

	var buf bytes.Buffer
	if err := FormatFlat(&buf, health, snap); err != nil {
		t.Fatalf("FormatFlat: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "total_requests 10") {
		t.Errorf("missing total_requests line: %q", out)
	}
	if !strings.Contains(out, `worker{id="worker-1"}`) {
		t.Errorf("missing worker line: %q", out)
	}
}
