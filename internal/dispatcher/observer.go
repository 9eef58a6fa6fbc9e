package dispatcher

import (
	"time"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/worker"
)

// Observer receives Dispatcher lifecycle events. It replaces the
// event-emitter multi-subscriber pattern per spec.md §9: a single
// implementation (typically internal/metrics) registers once at
// construction, rather than components reaching for a global bus.
// Every method must return promptly; the Dispatcher invokes these
// synchronously on its own goroutines.
type Observer interface {
	RequestStarted()
	RequestSucceeded(latency time.Duration)
	RequestFailed(kind dispatcherrors.Kind)
	WorkerStateChanged(workerID string, from, to worker.State)
	CircuitStateChanged(workerID string, from, to breaker.State)
	ScaleDecision(rec balancer.Recommendation, workerCount int)
}

// noopObserver discards every event; used when the caller supplies none.
type noopObserver struct{}

func (noopObserver) RequestStarted()                                       {}
func (noopObserver) RequestSucceeded(time.Duration)                         {}
func (noopObserver) RequestFailed(dispatcherrors.Kind)                     {}
func (noopObserver) WorkerStateChanged(string, worker.State, worker.State)  {}
func (noopObserver) CircuitStateChanged(string, breaker.State, breaker.State) {}
func (noopObserver) ScaleDecision(balancer.Recommendation, int)             {}
