// Package worker owns one child synthesizer process per Worker, runs its
// lifecycle state machine, and correlates outbound requests with inbound
// responses, per spec.md §4.2.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/protocol"
)

// Config is a Worker's spawn-time configuration, per spec.md §3.
type Config struct {
	ModelName             string
	CacheDir              string
	MaxQueueSize          int
	HealthCheckInterval   time.Duration
	RestartOnFailure      bool
	ExecutablePath        string
	ExecutableArgs        []string
	StartupTimeout        time.Duration
	RequestTimeout        time.Duration
	ShutdownTermGrace     time.Duration
	ShutdownKillGrace     time.Duration
}

// DefaultConfig returns the spec's documented defaults for everything not
// set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        32,
		HealthCheckInterval: 5 * time.Second,
		RestartOnFailure:    true,
		StartupTimeout:      30 * time.Second,
		RequestTimeout:      15 * time.Second,
		ShutdownTermGrace:   2 * time.Second,
		ShutdownKillGrace:   5 * time.Second,
	}
}

// Events is the set of typed observer hooks a Worker publishes, replacing
// the event-emitter multi-subscriber pattern per spec.md §9. Each field is
// optional; nil hooks are simply not invoked.
type Events struct {
	OnReady       func(w *Worker)
	OnUnhealthy   func(w *Worker, err error)
	OnExit        func(w *Worker, err error)
	OnError       func(w *Worker, err error)
	OnStderr      func(w *Worker, line string)
	OnStateChange func(w *Worker, from, to State)
}

// Worker supervises exactly one child synthesizer process.
type Worker struct {
	id     string
	cfg    Config
	events Events
	codec  *protocol.Codec
	now    func() time.Time

	Breaker *breaker.Breaker

	mu    sync.RWMutex
	state State

	proc  *childProcess
	corr  *correlationTable
	stats *statsTracker

	readyOnce sync.Once
	readyCh   chan struct{}

	healthStop chan struct{}
	healthDone chan struct{}
}

// New constructs a Worker in the INITIALIZING state. Call Start to spawn
// its child process.
func New(id string, cfg Config, br *breaker.Breaker, events Events) *Worker {
	return &Worker{
		id:      id,
		cfg:     cfg,
		events:  events,
		codec:   protocol.NewCodec(),
		now:     time.Now,
		Breaker: br,
		state:   StateInitializing,
		corr:    newCorrelationTable(cfg.MaxQueueSize),
		stats:   newStatsTracker(time.Now),
		readyCh: make(chan struct{}),
	}
}

// ID returns the Worker's identity.
func (w *Worker) ID() string { return w.id }

// State returns the Worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	from := w.state
	w.state = s
	w.mu.Unlock()
	if from != s && w.events.OnStateChange != nil {
		w.events.OnStateChange(w, from, s)
	}
}

// QueueDepth returns the number of pending (non-ping) correlations.
func (w *Worker) QueueDepth() int {
	return w.corr.requestCount()
}

// Stats returns a snapshot of the Worker's statistics record.
func (w *Worker) Stats() Stats {
	return w.stats.snapshot()
}

// Start spawns the child process and blocks until it reaches READY or
// StartupTimeout elapses, per spec.md §4.2's INITIALIZING transition.
func (w *Worker) Start(ctx context.Context) error {
	proc, err := spawnChild(ctx, spawnOptions{
		executablePath: w.cfg.ExecutablePath,
		args:           w.cfg.ExecutableArgs,
		modelName:      w.cfg.ModelName,
		cacheDir:       w.cfg.CacheDir,
	})
	if err != nil {
		w.setState(StateUnhealthy)
		werr := dispatcherrors.Wrap(dispatcherrors.KindInternalError, "initialization_failed", err).WithWorker(w.id)
		w.fireUnhealthy(werr)
		return werr
	}
	w.proc = proc

	go w.readLoop()
	go w.drainStderr()
	go w.awaitProcessExit()

	timeout := w.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-w.readyCh:
		w.setState(StateReady)
		w.startHealthLoop()
		if w.events.OnReady != nil {
			w.events.OnReady(w)
		}
		return nil
	case <-proc.done():
		err := dispatcherrors.New(dispatcherrors.KindInternalError, "initialization_failed: process exited before ready").WithWorker(w.id)
		w.setState(StateUnhealthy)
		w.fireUnhealthy(err)
		return err
	case <-time.After(timeout):
		err := dispatcherrors.New(dispatcherrors.KindInternalError, "initialization_failed: startup timeout").WithWorker(w.id)
		w.setState(StateUnhealthy)
		w.fireUnhealthy(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) fireUnhealthy(err error) {
	if w.events.OnUnhealthy != nil {
		w.events.OnUnhealthy(w, err)
	}
}

// readLoop decodes inbound frames and routes them to their correlation,
// or handles them as an unsolicited event (readiness, model load,
// synthesis completion notices).
func (w *Worker) readLoop() {
	for {
		line, err := w.proc.nextFrame()
		if err != nil {
			return
		}
		msg, err := w.codec.Decode(line)
		if err != nil {
			// A malformed frame from this worker marks it UNHEALTHY, per
			// spec.md §7's propagation policy for protocol_error.
			w.setState(StateUnhealthy)
			w.fireUnhealthy(err)
			continue
		}

		correlationID := msg.CorrelationID()

		switch msg.Type {
		case protocol.TypeResponse, protocol.TypeError:
			if correlationID != "" {
				w.corr.resolve(correlationID, msg)
			}
		case protocol.TypeEvent:
			w.handleEvent(msg)
		case protocol.TypeHeartbeat:
			w.stats.touch()
		}
	}
}

func (w *Worker) handleEvent(msg protocol.Message) {
	payload, err := protocol.DecodeEventPayload(msg)
	if err != nil {
		return
	}
	switch {
	case payload.Status == protocol.EventReady:
		w.readyOnce.Do(func() { close(w.readyCh) })
	}
	// model_loaded/synthesis_complete/synthesis_failed events are
	// informational; the correlated response/error already carries the
	// outcome a caller needs.
}

func (w *Worker) drainStderr() {
	for line := range w.proc.stderrLines {
		if w.events.OnStderr != nil {
			w.events.OnStderr(w, line)
		}
	}
}

func (w *Worker) awaitProcessExit() {
	<-w.proc.done()
	w.setState(StateTerminated)
	w.stopHealthLoop()

	err := dispatcherrors.New(dispatcherrors.KindWorkerTerminated, "worker process exited").WithWorker(w.id)
	if exitErr := w.proc.exitError(); exitErr != nil {
		err = dispatcherrors.Wrap(dispatcherrors.KindWorkerTerminated, "worker process exited", exitErr).WithWorker(w.id)
	}
	w.corr.failAll(err)

	if w.events.OnExit != nil {
		w.events.OnExit(w, err)
	}
}

// Synthesize sends a synthesize request to the child and waits for its
// correlated response, per spec.md §4.2's "Sending a request" algorithm.
// The call is routed through the Worker's own Circuit Breaker, per
// spec.md §4.5 step 5 ("Invoke the Worker's synthesize through its
// Circuit Breaker") and §3's ownership rule that each Worker exclusively
// owns its Circuit Breaker.
func (w *Worker) Synthesize(ctx context.Context, req protocol.RequestPayload) (protocol.ResponsePayload, error) {
	if req.Type == "" {
		req.Type = protocol.RequestSynthesize
	}
	if w.Breaker == nil {
		return sendAndAwait[protocol.ResponsePayload](w, ctx, req, false, protocol.DecodeResponsePayload)
	}
	return breaker.Execute(w.Breaker, ctx, func(ctx context.Context) (protocol.ResponsePayload, error) {
		return sendAndAwait[protocol.ResponsePayload](w, ctx, req, false, protocol.DecodeResponsePayload)
	})
}

// LoadModel asks the child to switch its active model.
func (w *Worker) LoadModel(ctx context.Context, model string) (protocol.ResponsePayload, error) {
	return sendAndAwait[protocol.ResponsePayload](w, ctx, protocol.RequestPayload{Type: protocol.RequestSwitchModel, Model: model}, false, protocol.DecodeResponsePayload)
}

// GetMetrics asks the child to report its own internal metrics, if it
// supports the get_metrics request type.
func (w *Worker) GetMetrics(ctx context.Context) (protocol.ResponsePayload, error) {
	return sendAndAwait[protocol.ResponsePayload](w, ctx, protocol.RequestPayload{Type: protocol.RequestGetMetrics}, false, protocol.DecodeResponsePayload)
}

// HealthCheck sends a ping through the reserved probe slot and reports
// failure to the caller without itself deciding whether to mark the
// Worker UNHEALTHY (the caller, typically the health-check loop, does).
func (w *Worker) HealthCheck(ctx context.Context) error {
	_, err := sendAndAwait[protocol.ResponsePayload](w, ctx, protocol.RequestPayload{Type: protocol.RequestPing}, true, protocol.DecodeResponsePayload)
	return err
}

// sendAndAwait implements steps 1-6 of spec.md §4.2's "Sending a request":
// state admission, queue-capacity admission, correlation registration,
// encode+write, and awaiting the matching response/error/timeout/exit.
func sendAndAwait[T any](w *Worker, ctx context.Context, payload protocol.RequestPayload, isPing bool, decode func(protocol.Message) (T, error)) (T, error) {
	var zero T

	state := w.State()
	if !state.acceptsRequests() {
		return zero, dispatcherrors.New(dispatcherrors.KindWorkerNotReady, fmt.Sprintf("worker in state %s", state)).WithWorker(w.id)
	}

	timeout := w.cfg.RequestTimeout
	if isPing {
		timeout = w.cfg.HealthCheckInterval
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	deadline := w.now().Add(timeout)
	start := w.now()

	msg, err := w.codec.NewRequest(payload, w.id, protocol.PriorityNormal)
	if err != nil {
		return zero, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "build request message", err).WithWorker(w.id)
	}

	ch, err := w.corr.register(msg.MessageID, deadline, isPing)
	if err != nil {
		return zero, err
	}

	if !isPing {
		w.setState(StateBusy)
		defer func() {
			if w.State() == StateBusy {
				w.setState(StateReady)
			}
		}()
	}

	frame, err := w.codec.Encode(msg)
	if err != nil {
		w.corr.expire(msg.MessageID)
		return zero, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "encode request", err).WithWorker(w.id)
	}
	if err := w.proc.write(frame); err != nil {
		w.corr.expire(msg.MessageID)
		return zero, dispatcherrors.Wrap(dispatcherrors.KindWorkerTerminated, "write request to worker stdin", err).WithWorker(w.id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		if o.err != nil {
			return zero, o.err
		}
		if o.msg.Type == protocol.TypeError {
			errPayload, decErr := protocol.DecodeErrorPayload(o.msg)
			if decErr != nil {
				return zero, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode error payload", decErr).WithWorker(w.id)
			}
			derr := dispatcherrors.New(dispatcherrors.Kind(errPayload.Kind), errPayload.Message).WithWorker(w.id)
			w.recordOutcome(w.now().Sub(start), false, !isPing)
			return zero, derr
		}
		result, decErr := decode(o.msg)
		if decErr != nil {
			return zero, dispatcherrors.Wrap(dispatcherrors.KindProtocolError, "decode response payload", decErr).WithWorker(w.id)
		}
		w.recordOutcome(w.now().Sub(start), true, !isPing)
		return result, nil
	case <-timer.C:
		w.corr.expire(msg.MessageID)
		err := dispatcherrors.New(dispatcherrors.KindRequestTimeout, "request deadline exceeded").WithWorker(w.id)
		w.recordOutcome(w.now().Sub(start), false, !isPing)
		return zero, err
	case <-w.proc.done():
		err := dispatcherrors.New(dispatcherrors.KindWorkerTerminated, "worker process exited").WithWorker(w.id)
		return zero, err
	case <-ctx.Done():
		w.corr.expire(msg.MessageID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.recordOutcome(w.now().Sub(start), false, !isPing)
			return zero, dispatcherrors.New(dispatcherrors.KindRequestTimeout, "context deadline exceeded").WithWorker(w.id)
		}
		return zero, dispatcherrors.Wrap(dispatcherrors.KindInternalError, "context canceled", ctx.Err()).WithWorker(w.id)
	}
}

func (w *Worker) recordOutcome(latency time.Duration, success bool, countStats bool) {
	if countStats {
		w.stats.recordCompletion(latency, success)
	}
}

// startHealthLoop begins the periodic ping supervisor, per spec.md
// §4.2's "Health check" subsection.
func (w *Worker) startHealthLoop() {
	interval := w.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w.healthStop = make(chan struct{})
	w.healthDone = make(chan struct{})

	go func() {
		defer close(w.healthDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.healthStop:
				return
			case <-w.proc.done():
				return
			case <-ticker.C:
				state := w.State()
				if state != StateReady && state != StateBusy {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := w.HealthCheck(ctx)
				cancel()
				if err != nil {
					w.setState(StateUnhealthy)
					w.fireUnhealthy(dispatcherrors.Wrap(dispatcherrors.KindInternalError, "health check failed", err).WithWorker(w.id))
					return
				}
			}
		}
	}()
}

func (w *Worker) stopHealthLoop() {
	if w.healthStop != nil {
		select {
		case <-w.healthStop:
		default:
			close(w.healthStop)
		}
	}
}

// Shutdown drives the SHUTTING_DOWN -> TERMINATED transition: a
// cooperative shutdown command, then a terminate/kill escalation on the
// grace periods configured at construction.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.setState(StateShuttingDown)
	w.stopHealthLoop()

	msg, err := w.codec.NewRequest(protocol.RequestPayload{Type: protocol.RequestShutdown}, w.id, protocol.PriorityNormal)
	if err == nil {
		if frame, encErr := w.codec.Encode(msg); encErr == nil {
			_ = w.proc.write(frame)
		}
	}

	termGrace, killGrace := w.cfg.ShutdownTermGrace, w.cfg.ShutdownKillGrace
	if termGrace <= 0 {
		termGrace = 2 * time.Second
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		w.proc.shutdown(termGrace, killGrace)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
