package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcherrors"
)

func cfgForTest() breaker.Config {
	return breaker.Config{
		FailureThreshold:  0.5,
		Timeout:           50 * time.Millisecond,
		ResetTimeout:      100 * time.Millisecond,
		SuccessThreshold:  2,
		SlidingWindowSize: 10,
	}
}

func run[T any](t *testing.T, b *breaker.Breaker, success bool) {
	t.Helper()
	_, _ = breaker.Execute(b, context.Background(), func(ctx context.Context) (T, error) {
		var zero T
		if success {
			return zero, nil
		}
		return zero, errors.New("boom")
	})
}

// TestBreaker_OpensAfterThreshold exercises spec.md §8 Scenario 2 literally:
// config {failureThreshold:0.5, slidingWindowSize:4}, a Worker that fails
// every call. The window must fill to its configured capacity before the
// failure rate is evaluated, so each of the first 4 calls actually reaches
// the underlying fn (and returns its own worker-level error); only once the
// 4th failure fills the window does the rate check trip, opening the
// circuit; a 5th call is then rejected with circuit_open without reaching
// fn at all.
func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var events []breaker.StateChangeEvent
	cfg := breaker.Config{
		FailureThreshold:  0.5,
		Timeout:           50 * time.Millisecond,
		ResetTimeout:      100 * time.Millisecond,
		SuccessThreshold:  2,
		SlidingWindowSize: 4,
	}
	b := breaker.New(cfg, breaker.WithOnStateChange(func(e breaker.StateChangeEvent) {
		events = append(events, e)
	}))

	reached := 0
	callFailing := func() error {
		_, err := breaker.Execute(b, context.Background(), func(ctx context.Context) (string, error) {
			reached++
			return "", errors.New("boom")
		})
		return err
	}

	for i := 1; i <= 4; i++ {
		err := callFailing()
		if err == nil {
			t.Fatalf("call %d: expected worker-level failure, got nil", i)
		}
		if dispatcherrors.KindOf(err) == dispatcherrors.KindCircuitOpen {
			t.Fatalf("call %d: circuit rejected locally before the window filled, want the worker's own error", i)
		}
	}
	if reached != 4 {
		t.Fatalf("want all 4 calls to reach the worker, got %d", reached)
	}

	if b.State() != breaker.StateOpen {
		t.Fatalf("want OPEN after the 4th failure fills the window, got %s", b.State())
	}

	err := callFailing()
	if err == nil {
		t.Fatal("expected circuit_open error while OPEN")
	}
	if dispatcherrors.KindOf(err) != dispatcherrors.KindCircuitOpen {
		t.Fatalf("want KindCircuitOpen, got %v", dispatcherrors.KindOf(err))
	}
	if reached != 4 {
		t.Fatalf("5th call must not reach the worker once OPEN, reached=%d", reached)
	}

	if len(events) == 0 || events[len(events)-1].To != breaker.StateOpen {
		t.Fatal("expected a stateChange event transitioning to OPEN")
	}
}

// TestBreaker_HalfOpenProbeCloses exercises "Half-open probe": once
// resetTimeout elapses, the next call is admitted as a HALF_OPEN probe;
// successThreshold consecutive successes close the circuit again.
func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	now := time.UnixMilli(0)
	clock := func() time.Time { return now }

	b := breaker.New(cfgForTest(), breaker.WithClock(clock))

	for i := 0; i < 10; i++ {
		run[string](t, b, false)
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("want OPEN, got %s", b.State())
	}

	now = now.Add(50 * time.Millisecond)
	if err := b.Allow(); err == nil {
		t.Fatal("expected circuit_open before resetTimeout elapses")
	}

	now = now.Add(60 * time.Millisecond) // total 110ms > 100ms resetTimeout
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to be admitted after resetTimeout, got %v", err)
	}
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("want HALF_OPEN after probe admitted, got %s", b.State())
	}

	b.RecordOutcome(true, time.Millisecond, nil)
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("want still HALF_OPEN after one success (threshold=2), got %s", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("expected second probe to be admitted, got %v", err)
	}
	b.RecordOutcome(true, time.Millisecond, nil)
	if b.State() != breaker.StateClosed {
		t.Fatalf("want CLOSED after successThreshold consecutive successes, got %s", b.State())
	}
	if b.Status().WindowLen != 0 {
		t.Fatalf("want window reset on close, got len=%d", b.Status().WindowLen)
	}
}

// TestBreaker_HalfOpenFailureReopens checks that a single failure during the
// HALF_OPEN probe reopens the circuit immediately.
func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.UnixMilli(0)
	clock := func() time.Time { return now }
	b := breaker.New(cfgForTest(), breaker.WithClock(clock))

	for i := 0; i < 10; i++ {
		run[string](t, b, false)
	}
	now = now.Add(200 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe admitted, got %v", err)
	}
	b.RecordOutcome(false, time.Millisecond, errors.New("still broken"))
	if b.State() != breaker.StateOpen {
		t.Fatalf("want OPEN after half-open probe failure, got %s", b.State())
	}
}

func TestBreaker_ExecuteTimeoutCountsAsFailure(t *testing.T) {
	cfg := cfgForTest()
	cfg.Timeout = 5 * time.Millisecond
	cfg.FailureThreshold = 0.99
	cfg.SlidingWindowSize = 2
	b := breaker.New(cfg)

	_, err := breaker.Execute(b, context.Background(), func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if dispatcherrors.KindOf(err) != dispatcherrors.KindRequestTimeout {
		t.Fatalf("want KindRequestTimeout, got %v", dispatcherrors.KindOf(err))
	}
	if b.Status().WindowLen != 1 {
		t.Fatalf("want one outcome recorded, got %d", b.Status().WindowLen)
	}
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	b := breaker.New(cfgForTest())
	b.ForceOpen()
	if b.State() != breaker.StateOpen {
		t.Fatalf("want OPEN after ForceOpen, got %s", b.State())
	}
	b.ForceClose()
	if b.State() != breaker.StateClosed {
		t.Fatalf("want CLOSED after ForceClose, got %s", b.State())
	}
	if b.Status().WindowLen != 0 {
		t.Fatal("want window reset after ForceClose")
	}
}
