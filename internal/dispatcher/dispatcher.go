// Package dispatcher implements the Dispatcher (TTS Manager): the single
// caller-facing coordinator that owns the Worker fleet, consults the Load
// Balancer, invokes Workers through their Circuit Breakers, and drives
// health supervision and autoscaling, per spec.md §4.5.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/protocol"
	"github.com/example/ttsworkerd/internal/worker"
	"github.com/google/uuid"
)

// retryableKinds are the error kinds spec.md §7 recovers locally by
// re-selecting a different Worker, budget permitting.
var retryableKinds = map[dispatcherrors.Kind]bool{
	dispatcherrors.KindCircuitOpen:     true,
	dispatcherrors.KindWorkerQueueFull: true,
	dispatcherrors.KindWorkerNotReady:  true,
	dispatcherrors.KindRequestTimeout:  true,
	dispatcherrors.KindWorkerTerminated: true,
}

type workerRecord struct {
	w         *worker.Worker
	spawnedAt time.Time
}

// Dispatcher is the top-level coordinator described in spec.md §4.5.
type Dispatcher struct {
	cfg      Config
	log      *slog.Logger
	observer Observer
	now      func() time.Time

	balancer *balancer.Balancer

	mu       sync.RWMutex
	workers  map[string]*workerRecord
	workerSeq int

	scaleMu sync.Mutex

	latMu     sync.Mutex
	latencies []time.Duration

	totalRequests atomic.Int64
	totalFailures atomic.Int64

	shuttingDown atomic.Bool

	lastScale   atomic.Value // ScaleEvent

	autoscaleStop chan struct{}
	autoscaleDone chan struct{}
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger sets the Dispatcher's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithObserver registers a metrics/observability sink.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock overrides the dispatcher's time source, for deterministic
// tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New constructs a Dispatcher. Call Initialize to spawn the fleet.
func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxReselections <= 0 {
		cfg.MaxReselections = 2
	}
	d := &Dispatcher{
		cfg:      cfg,
		log:      slog.Default(),
		observer: noopObserver{},
		now:      time.Now,
		balancer: balancer.New(cfg.LoadBalancer.Algorithm),
		workers:  make(map[string]*workerRecord),
	}
	for _, o := range opts {
		o(d)
	}
	d.lastScale.Store(ScaleEvent{Recommendation: string(balancer.RecommendNoChange)})
	return d
}

// Initialize spawns the initial fleet of MinWorkers Workers, failing if
// any mandatory Worker does not reach READY, per spec.md §4.5.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	min := d.cfg.MinWorkers
	if min < 1 {
		min = 1
	}

	for i := 0; i < min; i++ {
		if _, err := d.spawnWorker(ctx); err != nil {
			return fmt.Errorf("initialize worker %d/%d: %w", i+1, min, err)
		}
	}

	for workerID, voice := range d.cfg.LoadBalancer.ModelAffinity {
		d.SetModelAffinity(workerID, voice)
	}

	d.autoscaleStop = make(chan struct{})
	d.autoscaleDone = make(chan struct{})
	go d.autoscaleLoop()

	return nil
}

func (d *Dispatcher) nextWorkerID() string {
	d.mu.Lock()
	d.workerSeq++
	id := "worker-" + strconv.Itoa(d.workerSeq)
	d.mu.Unlock()
	return id
}

// spawnWorker constructs, registers, and starts one new Worker, wiring
// its breaker, balancer registration, and health-supervision hooks.
func (d *Dispatcher) spawnWorker(ctx context.Context) (*worker.Worker, error) {
	id := d.nextWorkerID()

	br := breaker.New(d.cfg.CircuitBreaker, breaker.WithOnStateChange(func(e breaker.StateChangeEvent) {
		d.observer.CircuitStateChanged(id, e.From, e.To)
	}))

	wcfg := worker.DefaultConfig()
	wcfg.ModelName = d.cfg.Model
	wcfg.CacheDir = d.cfg.CacheDir
	wcfg.MaxQueueSize = d.cfg.MaxQueueSize
	wcfg.HealthCheckInterval = d.cfg.HealthCheckInterval
	wcfg.RestartOnFailure = d.cfg.RestartOnFailure
	wcfg.ExecutablePath = d.cfg.ExecutablePath
	wcfg.ExecutableArgs = d.cfg.ExecutableArgs

	w := worker.New(id, wcfg, br, worker.Events{
		OnStateChange: func(w *worker.Worker, from, to worker.State) {
			d.observer.WorkerStateChanged(w.ID(), from, to)
		},
		OnUnhealthy: func(w *worker.Worker, err error) {
			d.log.Warn("worker unhealthy", "worker", w.ID(), "error", err)
			d.handleWorkerFailure(w.ID())
		},
		OnExit: func(w *worker.Worker, err error) {
			d.log.Warn("worker exited", "worker", w.ID(), "error", err)
			d.handleWorkerFailure(w.ID())
		},
	})

	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.workers[id] = &workerRecord{w: w, spawnedAt: d.now()}
	d.mu.Unlock()
	d.balancer.RegisterWorker(id)

	return w, nil
}

// handleWorkerFailure implements spec.md §4.5's health-supervision rule:
// on unhealthy/exit, the failed Worker is dropped from the Load
// Balancer's view and, if restartOnFailure, replaced.
func (d *Dispatcher) handleWorkerFailure(workerID string) {
	d.mu.Lock()
	_, existed := d.workers[workerID]
	delete(d.workers, workerID)
	d.mu.Unlock()

	if !existed {
		return // already handled by a concurrent failure path
	}
	d.balancer.RemoveWorker(workerID)

	if d.shuttingDown.Load() || !d.cfg.RestartOnFailure {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := d.spawnWorker(ctx); err != nil {
			d.log.Error("failed to replace unhealthy worker", "failed_worker", workerID, "error", err)
		}
	}()
}

// SetModelAffinity registers workerID's voice specialty on the Load
// Balancer, per spec.md §4.5.
func (d *Dispatcher) SetModelAffinity(workerID, voice string) {
	d.balancer.SetModelAffinity(workerID, voice)
}

// Synthesize is the hot path described in spec.md §4.5.
func (d *Dispatcher) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	start := d.now()
	d.observer.RequestStarted()

	if d.shuttingDown.Load() {
		return d.fail(req, dispatcherrors.New(dispatcherrors.KindShutdownInProgress, "dispatcher is shutting down"))
	}

	if err := d.validate(&req); err != nil {
		return d.fail(req, err)
	}

	if d.cfg.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestDeadline)
		defer cancel()
	}

	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= d.cfg.MaxReselections; attempt++ {
		candidates := d.admissibleWorkers(excluded)
		if len(candidates) == 0 {
			if lastErr == nil {
				lastErr = dispatcherrors.New(dispatcherrors.KindNoWorkersAvailable, "no admissible workers")
			}
			break
		}

		workerID, err := d.balancer.Select(candidates, balancer.SelectRequest{Voice: req.Voice, Priority: req.Priority})
		if err != nil {
			lastErr = err
			break
		}

		rec := d.workerByID(workerID)
		if rec == nil {
			excluded[workerID] = true
			continue
		}

		resp, err := rec.w.Synthesize(ctx, protocol.RequestPayload{
			Text:         req.Text,
			Voice:        req.Voice,
			Speed:        req.Speed,
			Pitch:        req.Pitch,
			OutputFormat: req.OutputFormat,
			OutputPath:   req.OutputPath,
		})
		if err != nil {
			lastErr = err
			kind := dispatcherrors.KindOf(err)
			if retryableKinds[kind] && attempt < d.cfg.MaxReselections {
				excluded[workerID] = true
				continue
			}
			break
		}

		latency := d.now().Sub(start)
		d.balancer.RecordCompletion(workerID, latency, true)
		d.recordLatency(latency)
		d.totalRequests.Add(1)
		d.observer.RequestSucceeded(latency)

		return SynthesisResult{
			Success:    true,
			RequestID:  req.RequestID,
			OutputPath: resp.OutputPath,
			LatencyMs:  latency.Milliseconds(),
			Metadata: ResultMetadata{
				ModelUsed:  d.cfg.Model,
				WorkerUsed: workerID,
				CacheHit:   resp.CacheHit,
			},
		}, nil
	}

	return d.fail(req, lastErr)
}

func (d *Dispatcher) fail(req SynthesisRequest, err error) (SynthesisResult, error) {
	if err == nil {
		err = dispatcherrors.New(dispatcherrors.KindInternalError, "synthesize failed with no recorded cause")
	}
	var derr *dispatcherrors.Error
	if de, ok := err.(*dispatcherrors.Error); ok {
		derr = de
	} else {
		derr = dispatcherrors.Wrap(dispatcherrors.KindInternalError, "unexpected error", err)
	}

	d.totalRequests.Add(1)
	d.totalFailures.Add(1)
	d.observer.RequestFailed(derr.Kind)

	return SynthesisResult{
		Success:   false,
		RequestID: req.RequestID,
		Error:     derr,
	}, derr
}

func (d *Dispatcher) validate(req *SynthesisRequest) error {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Priority == "" {
		req.Priority = protocol.PriorityNormal
	}
	if req.Text == "" {
		return dispatcherrors.New(dispatcherrors.KindInvalidRequest, "text must not be empty")
	}
	maxLen := d.cfg.MaxTextLength
	if maxLen > 0 && len(req.Text) > maxLen {
		return dispatcherrors.Newf(dispatcherrors.KindInvalidRequest, "text exceeds maximum length %d", maxLen)
	}
	switch req.OutputFormat {
	case "", "wav", "mp3", "ogg":
	default:
		return dispatcherrors.Newf(dispatcherrors.KindInvalidRequest, "unsupported output_format %q", req.OutputFormat)
	}
	return nil
}

// admissibleWorkers returns the ids of workers whose state, circuit, and
// queue depth all admit traffic, per spec.md's "Admissible Worker"
// definition, excluding any id already tried in this call.
func (d *Dispatcher) admissibleWorkers(excluded map[string]bool) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.workers))
	for id, rec := range d.workers {
		if excluded[id] {
			continue
		}
		state := rec.w.State()
		if state != worker.StateReady && state != worker.StateBusy {
			continue
		}
		if !rec.w.Breaker.Admits() {
			continue
		}
		if rec.w.QueueDepth() >= d.cfg.MaxQueueSize {
			continue
		}
		d.balancer.UpdateQueueDepth(id, rec.w.QueueDepth())
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Dispatcher) workerByID(id string) *workerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workers[id]
}

func (d *Dispatcher) recordLatency(latency time.Duration) {
	d.latMu.Lock()
	defer d.latMu.Unlock()
	d.latencies = append(d.latencies, latency)
	if len(d.latencies) > 4096 {
		d.latencies = d.latencies[len(d.latencies)-4096:]
	}
}

// GetHealth returns an aggregated per-Worker health view, per spec.md
// §4.5's getHealth operation.
func (d *Dispatcher) GetHealth() HealthSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := HealthSnapshot{
		WorkerCount:  len(d.workers),
		ShuttingDown: d.shuttingDown.Load(),
	}
	for id, rec := range d.workers {
		snap.Workers = append(snap.Workers, WorkerHealth{
			WorkerID: id,
			State:    rec.w.State(),
			Breaker:  rec.w.Breaker.Status(),
			Stats:    rec.w.Stats(),
		})
	}
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].WorkerID < snap.Workers[j].WorkerID })
	return snap
}

// GetMetrics returns the Dispatcher's aggregated metrics view, per
// spec.md §6's observability requirement.
func (d *Dispatcher) GetMetrics() MetricsSnapshot {
	health := d.GetHealth()

	d.latMu.Lock()
	sorted := append([]time.Duration(nil), d.latencies...)
	d.latMu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var entries []balancerScoringEntry
	for _, s := range d.balancer.Snapshots() {
		entries = append(entries, balancerScoringEntry{
			WorkerID:            s.WorkerID,
			QueueDepth:          s.QueueDepth,
			AverageResponseTime: s.AverageResponseTime.Milliseconds(),
			SuccessRate:         s.SuccessRate,
			ModelSpecialty:      s.ModelSpecialty,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].WorkerID < entries[j].WorkerID })

	last, _ := d.lastScale.Load().(ScaleEvent)

	return MetricsSnapshot{
		TotalRequests:  d.totalRequests.Load(),
		TotalFailures:  d.totalFailures.Load(),
		P50LatencyMs:   percentileMs(sorted, 0.50),
		P95LatencyMs:   percentileMs(sorted, 0.95),
		P99LatencyMs:   percentileMs(sorted, 0.99),
		Workers:        health.Workers,
		LoadBalancer:   entries,
		LastScaleEvent: last,
	}
}

func percentileMs(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx].Microseconds()) / 1000.0
}

// Shutdown cooperatively shuts down every Worker in parallel, per
// spec.md §4.5.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.shuttingDown.Store(true)
	if d.autoscaleStop != nil {
		close(d.autoscaleStop)
		<-d.autoscaleDone
	}

	d.mu.Lock()
	recs := make([]*workerRecord, 0, len(d.workers))
	for _, rec := range d.workers {
		recs = append(recs, rec)
	}
	d.workers = make(map[string]*workerRecord)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *workerRecord) {
			defer wg.Done()
			_ = rec.w.Shutdown(ctx)
		}(rec)
	}
	wg.Wait()
	return nil
}
