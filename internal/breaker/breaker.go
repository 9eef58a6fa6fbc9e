// Package breaker implements a per-Worker three-state circuit breaker
// driven by a sliding window of call outcomes, per spec.md §4.3.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
)

// State is one of CLOSED, OPEN, or HALF_OPEN.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the breaker's tunables, per spec.md §4.3.
type Config struct {
	FailureThreshold  float64       // [0,1]; failure rate that opens the circuit
	Timeout           time.Duration // per-call deadline enforced inside the breaker
	ResetTimeout      time.Duration // time spent OPEN before the next probe
	SuccessThreshold  int           // successes required in HALF_OPEN to close
	SlidingWindowSize int           // capacity of the outcome window
}

// DefaultConfig returns sane defaults matching spec.md's worked scenarios.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  0.5,
		Timeout:           15 * time.Second,
		ResetTimeout:      30 * time.Second,
		SuccessThreshold:  2,
		SlidingWindowSize: 20,
	}
}

// Stats is a point-in-time view of the breaker's internal counters, emitted
// alongside stateChange/failure events and exposed via Status.
type Stats struct {
	State           State
	FailureRate     float64
	WindowLen       int
	WindowCap       int
	SuccessStreak   int
	LastFailureTime time.Time
}

// StateChangeEvent is delivered to an OnStateChange hook whenever the
// breaker commits a transition.
type StateChangeEvent struct {
	From  State
	To    State
	Stats Stats
}

// FailureEvent is delivered to an OnFailure hook for every failed call.
type FailureEvent struct {
	Err          error
	FailureRate  float64
	ResponseTime time.Duration
	State        State
}

// Breaker is a single Worker's circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu              sync.Mutex
	state           State
	window          *outcomeWindow
	successStreak   int
	lastFailureTime time.Time
	probeInFlight   bool // HALF_OPEN admits exactly one probe at a time

	onStateChange func(StateChangeEvent)
	onFailure     func(FailureEvent)
}

// Option configures a Breaker at construction time.
type Option func(*Breaker)

// WithClock overrides the breaker's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOnStateChange registers a state-change observer.
func WithOnStateChange(fn func(StateChangeEvent)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithOnFailure registers a failure observer.
func WithOnFailure(fn func(FailureEvent)) Option {
	return func(b *Breaker) { b.onFailure = fn }
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.SlidingWindowSize < 1 {
		cfg.SlidingWindowSize = 1
	}
	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		state:  StateClosed,
		window: newOutcomeWindow(cfg.SlidingWindowSize),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Status returns a snapshot of the breaker's current state.
func (b *Breaker) Status() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	return Stats{
		State:           b.state,
		FailureRate:     b.window.FailureRate(),
		WindowLen:       b.window.Len(),
		WindowCap:       b.window.Cap(),
		SuccessStreak:   b.successStreak,
		LastFailureTime: b.lastFailureTime,
	}
}

// WindowSnapshot returns the last N outcomes, oldest first, for the detailed
// status view required by spec.md §4.3.
func (b *Breaker) WindowSnapshot() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.Snapshot()
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed right now, transitioning
// OPEN->HALF_OPEN if resetTimeoutMs has elapsed since the last failure. It
// does not itself admit a probe slot in HALF_OPEN beyond the first
// concurrent caller; subsequent concurrent callers while a probe is in
// flight are also rejected with circuit_open, since HALF_OPEN is a "limited
// probe regime" per spec.md §4.3.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

// Admits reports whether the circuit would currently accept a call,
// without committing any state transition. The Dispatcher uses this to
// build its admissible-Worker snapshot (spec.md §4.5 step 2) without
// racing the side effects that the real Allow/Execute call performs (an
// OPEN->HALF_OPEN transition reserves the single probe slot; a second,
// merely-advisory check must not consume it).
func (b *Breaker) Admits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

func (b *Breaker) allowLocked() error {
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		return dispatcherrors.New(dispatcherrors.KindCircuitOpen, "circuit is open")
	case StateHalfOpen:
		if b.probeInFlight {
			return dispatcherrors.New(dispatcherrors.KindCircuitOpen, "circuit is half-open, probe in flight")
		}
		b.probeInFlight = true
		return nil
	default:
		return dispatcherrors.New(dispatcherrors.KindCircuitOpen, "circuit in unknown state")
	}
}

// RecordOutcome appends success/failure to the window and drives the state
// machine. err, if non-nil, is surfaced through the failure observer.
func (b *Breaker) RecordOutcome(success bool, responseTime time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.successStreak++
			if b.successStreak >= b.cfg.SuccessThreshold {
				b.successStreak = 0
				b.window.Reset()
				b.transitionLocked(StateClosed)
			}
		} else {
			b.lastFailureTime = b.now()
			b.successStreak = 0
			b.transitionLocked(StateOpen)
		}
	case StateClosed:
		b.window.Push(success)
		if !success {
			b.lastFailureTime = b.now()
			if b.window.Len() >= b.window.Cap() {
				rate := b.window.FailureRate()
				if rate >= b.cfg.FailureThreshold {
					b.transitionLocked(StateOpen)
				}
			}
		}
	case StateOpen:
		// A call slipped through (e.g. Allow raced a concurrent probe);
		// treat it like any other outcome but stay OPEN.
		if !success {
			b.lastFailureTime = b.now()
		}
	}

	if !success && b.onFailure != nil {
		b.onFailure(FailureEvent{
			Err:          err,
			FailureRate:  b.window.FailureRate(),
			ResponseTime: responseTime,
			State:        b.state,
		})
	}
}

// transitionLocked commits a state transition and emits a stateChange
// event, iff the state actually changes. Caller must hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		stats := b.statsLocked()
		b.onStateChange(StateChangeEvent{From: from, To: to, Stats: stats})
	}
}

// ForceOpen manually opens the circuit, for testing/emergency use.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureTime = b.now()
	b.transitionLocked(StateOpen)
}

// ForceClose manually closes the circuit and resets the window, for
// testing/emergency use.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.Reset()
	b.successStreak = 0
	b.transitionLocked(StateClosed)
}

// Execute races fn against the breaker's configured per-call timeout,
// admitting the call only if Allow permits it, and recording the outcome
// (the timeout itself counts as a failure) before returning. It is a
// package-level generic function, not a method, since Go methods cannot
// carry their own type parameters.
func Execute[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := b.Allow(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := b.now()
	type result struct {
		val T
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		resCh <- result{val: v, err: err}
	}()

	select {
	case res := <-resCh:
		elapsed := b.now().Sub(start)
		b.RecordOutcome(res.err == nil, elapsed, res.err)
		return res.val, res.err
	case <-callCtx.Done():
		elapsed := b.now().Sub(start)
		timeoutErr := dispatcherrors.New(dispatcherrors.KindRequestTimeout, "circuit breaker call timed out")
		b.RecordOutcome(false, elapsed, timeoutErr)
		return zero, timeoutErr
	}
}
