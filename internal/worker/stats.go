package worker

import (
	"sync"
	"time"
)

const statsEWMAAlpha = 0.1

// Stats is a Worker's per-process statistics record, per spec.md §3.
type Stats struct {
	RequestsProcessed int
	TotalLatency      time.Duration
	AverageLatency    time.Duration
	SuccessRate       float64
	LastActivityTime  time.Time
}

// statsTracker guards Stats with its own short-lived critical section,
// independent of the Worker's state mutex.
type statsTracker struct {
	mu      sync.Mutex
	stats   Stats
	primed  bool
	now     func() time.Time
}

func newStatsTracker(now func() time.Time) *statsTracker {
	return &statsTracker{now: now}
}

// recordCompletion folds one finished synthesis into the running stats.
func (t *statsTracker) recordCompletion(latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.RequestsProcessed++
	t.stats.TotalLatency += latency
	t.stats.AverageLatency = t.stats.TotalLatency / time.Duration(t.stats.RequestsProcessed)
	t.stats.LastActivityTime = t.now()

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if !t.primed {
		t.stats.SuccessRate = outcome
		t.primed = true
	} else {
		t.stats.SuccessRate = statsEWMAAlpha*outcome + (1-statsEWMAAlpha)*t.stats.SuccessRate
	}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *statsTracker) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.LastActivityTime = t.now()
}
