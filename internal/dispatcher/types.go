package dispatcher

import (
	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/protocol"
	"github.com/example/ttsworkerd/internal/worker"
)

// SynthesisRequest is the caller-supplied request, per spec.md §3.
type SynthesisRequest struct {
	RequestID    string
	Text         string
	Voice        string
	Speed        float64
	Pitch        float64
	OutputFormat string
	OutputPath   string
	Priority     protocol.Priority
	Metadata     map[string]any
}

// ResultMetadata carries the bookkeeping fields spec.md §3 requires
// alongside a SynthesisResult.
type ResultMetadata struct {
	ModelUsed  string
	WorkerUsed string
	CacheHit   bool
}

// SynthesisResult is the caller-visible outcome of Synthesize, per
// spec.md §3.
type SynthesisResult struct {
	Success    bool
	RequestID  string
	OutputPath string
	LatencyMs  int64
	Error      *dispatcherrors.Error
	Metadata   ResultMetadata
}

// WorkerHealth is one Worker's contribution to GetHealth's aggregated
// snapshot.
type WorkerHealth struct {
	WorkerID string
	State    worker.State
	Breaker  breaker.Stats
	Stats    worker.Stats
}

// HealthSnapshot is the Dispatcher's aggregated health view, per spec.md
// §4.5's getHealth operation.
type HealthSnapshot struct {
	Workers      []WorkerHealth
	WorkerCount  int
	ShuttingDown bool
}

// MetricsSnapshot is the Dispatcher's aggregated metrics view, per
// spec.md §6's observability requirement.
type MetricsSnapshot struct {
	TotalRequests  int64
	TotalFailures  int64
	P50LatencyMs   float64
	P95LatencyMs   float64
	P99LatencyMs   float64
	Workers        []WorkerHealth
	LoadBalancer   []balancerScoringEntry
	LastScaleEvent ScaleEvent
}

// balancerScoringEntry mirrors balancer.Snapshot for the metrics surface,
// named locally to keep the dispatcher's public API decoupled from the
// balancer package's internal naming.
type balancerScoringEntry struct {
	WorkerID            string
	QueueDepth          int
	AverageResponseTime int64 // ms
	SuccessRate         float64
	ModelSpecialty      string
}

// ScaleEvent records the Dispatcher's most recent autoscaling decision.
type ScaleEvent struct {
	Recommendation string
	WorkerCount    int
	At             int64 // unix ms
}
