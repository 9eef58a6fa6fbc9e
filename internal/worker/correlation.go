package worker

import (
	"sync"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/protocol"
)

// outcome is delivered to a correlation's waiter once a matching response,
// error, or failure is observed.
type outcome struct {
	msg protocol.Message
	err error
}

// pendingCorrelation is one outstanding messageId -> resolver entry, per
// spec.md §9's "correlation table keyed by messageId holding a completion
// primitive and deadline" re-architecture guidance.
type pendingCorrelation struct {
	ch       chan outcome
	deadline time.Time
	isPing   bool
}

// correlationTable is the pending-correlation map spec.md §5 names as one
// of the four mutable shared resources requiring a dedicated short-lived
// critical section. One table exists per Worker.
//
// Per spec.md's Open Question on ping starvation, health-check pings are
// admitted through a dedicated reserved slot outside maxQueueSize, so a
// saturated request queue can never starve the health checker.
type correlationTable struct {
	mu          sync.Mutex
	entries     map[string]*pendingCorrelation
	maxQueue    int
	pingReserved bool
}

func newCorrelationTable(maxQueue int) *correlationTable {
	return &correlationTable{
		entries:  make(map[string]*pendingCorrelation),
		maxQueue: maxQueue,
	}
}

// register admits a new correlation if capacity allows, returning the
// channel its eventual outcome will be delivered on.
func (t *correlationTable) register(messageID string, deadline time.Time, isPing bool) (<-chan outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isPing {
		if t.pingReserved {
			return nil, dispatcherrors.New(dispatcherrors.KindWorkerQueueFull, "health-check probe already in flight")
		}
		t.pingReserved = true
	} else if t.requestCountLocked() >= t.maxQueue {
		return nil, dispatcherrors.New(dispatcherrors.KindWorkerQueueFull, "worker pending-correlation queue is full")
	}

	p := &pendingCorrelation{ch: make(chan outcome, 1), deadline: deadline, isPing: isPing}
	t.entries[messageID] = p
	return p.ch, nil
}

func (t *correlationTable) requestCountLocked() int {
	count := 0
	for _, p := range t.entries {
		if !p.isPing {
			count++
		}
	}
	return count
}

// requestCount returns the current number of non-ping pending
// correlations, i.e. the Worker's queueDepth.
func (t *correlationTable) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestCountLocked()
}

// resolve delivers msg to messageID's waiter, if still pending. Returns
// false if the correlation was already resolved, expired, or unknown.
func (t *correlationTable) resolve(messageID string, msg protocol.Message) bool {
	return t.complete(messageID, outcome{msg: msg})
}

// fail delivers err to messageID's waiter, if still pending.
func (t *correlationTable) fail(messageID string, err error) bool {
	return t.complete(messageID, outcome{err: err})
}

func (t *correlationTable) complete(messageID string, o outcome) bool {
	t.mu.Lock()
	p, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
		if p.isPing {
			t.pingReserved = false
		}
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- o
	return true
}

// expire removes messageID's entry without delivering anything to the
// waiter (the caller, typically a deadline timer, delivers the timeout
// error itself after expire returns true).
func (t *correlationTable) expire(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[messageID]
	if !ok {
		return false
	}
	delete(t.entries, messageID)
	if p.isPing {
		t.pingReserved = false
	}
	return true
}

// failAll completes every still-pending correlation with err, per spec.md
// §4.2's TERMINATED invariant: "no correlation may outlive process
// termination".
func (t *correlationTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingCorrelation)
	t.pingReserved = false
	t.mu.Unlock()

	for _, p := range entries {
		p.ch <- outcome{err: err}
	}
}
