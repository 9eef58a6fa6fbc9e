// Package balancer selects a Worker for a request among the fleet,
// records completion outcomes, and advises the Dispatcher on autoscaling,
// per spec.md §4.4.
package balancer

import (
	"sync"
	"time"

	"github.com/example/ttsworkerd/internal/dispatcherrors"
	"github.com/example/ttsworkerd/internal/protocol"
)

const (
	responseTimeEWMAAlpha = 0.2
	historyCapacity       = 1000
	autoscaleWindow       = 60 * time.Second
)

// workerState is the Load Balancer's own read-write view of a Worker,
// distinct from (and much smaller than) the Worker's own state; the
// balancer never owns a Worker, only this bookkeeping record.
type workerState struct {
	queueDepth          int
	averageResponseTime time.Duration
	successRate         float64
	lastActivity        time.Time
	lastCompletion      time.Time
	modelSpecialty      string
	registeredAt        time.Time
}

// HistoryEntry is one completed request, retained for the autoscaling
// advisory window.
type HistoryEntry struct {
	WorkerID     string
	ResponseTime time.Duration
	QueueDepth   int
	At           time.Time
}

// SelectRequest carries the caller-visible fields a selection policy may
// consult: voice affinity and priority.
type SelectRequest struct {
	Voice    string
	Priority protocol.Priority
}

// AutoscaleConfig bounds the Recommend advisory, per spec.md §4.4.
type AutoscaleConfig struct {
	ScaleUpQueueDepth      float64
	ScaleUpResponseTime    time.Duration
	ScaleDownIdleThreshold time.Duration
}

// Recommendation is the Load Balancer's non-binding autoscale advice.
type Recommendation string

const (
	RecommendScaleUp   Recommendation = "scale_up"
	RecommendScaleDown Recommendation = "scale_down"
	RecommendNoChange  Recommendation = "no_change"
)

// Balancer holds the per-Worker bookkeeping the Dispatcher consults to
// pick a Worker for each request. It holds weak, read-only-by-id
// references to Workers: it never owns a Worker's lifecycle.
type Balancer struct {
	mu              sync.Mutex
	policy          Policy
	workers         map[string]*workerState
	history         []HistoryEntry
	roundRobinIndex int
	now             func() time.Time
}

// Option configures a Balancer at construction time.
type Option func(*Balancer)

// WithClock overrides the balancer's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// New constructs a Balancer using the given selection policy.
func New(policy Policy, opts ...Option) *Balancer {
	if !policy.valid() {
		policy = PolicyWeighted
	}
	b := &Balancer{
		policy:  policy,
		workers: make(map[string]*workerState),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RegisterWorker adds workerID to the balancer's view, replacing any
// previous record under the same id (used when a Worker is restarted).
func (b *Balancer) RegisterWorker(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[workerID] = &workerState{
		lastActivity: b.now(),
		registeredAt: b.now(),
	}
}

// RemoveWorker drops workerID from the balancer's view, per spec.md §4.5's
// "during replacement the failed Worker is removed from the Load
// Balancer's view".
func (b *Balancer) RemoveWorker(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, workerID)
}

// SetModelAffinity registers workerID's voice specialty.
func (b *Balancer) SetModelAffinity(workerID, voice string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws, ok := b.workers[workerID]; ok {
		ws.modelSpecialty = voice
	}
}

// UpdateQueueDepth reports workerID's current pending-correlation count,
// refreshed by the Dispatcher each time it builds the admissible-worker
// snapshot for a selection.
func (b *Balancer) UpdateQueueDepth(workerID string, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws, ok := b.workers[workerID]; ok {
		ws.queueDepth = depth
		ws.lastActivity = b.now()
	}
}

// Select picks one Worker from candidates (an admissible-Worker snapshot
// already filtered by the caller for circuit/state/queue eligibility)
// according to the configured policy.
func (b *Balancer) Select(candidates []string, req SelectRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(candidates) == 0 {
		return "", dispatcherrors.New(dispatcherrors.KindNoWorkersAvailable, "no admissible workers in candidate set")
	}

	switch b.policy {
	case PolicyRoundRobin:
		return b.selectRoundRobinLocked(candidates), nil
	case PolicyLeastConnections:
		return b.selectLeastConnectionsLocked(candidates), nil
	case PolicyResponseTime:
		return b.selectResponseTimeLocked(candidates), nil
	default:
		return b.selectWeightedLocked(candidates, req), nil
	}
}

func (b *Balancer) selectRoundRobinLocked(candidates []string) string {
	idx := b.roundRobinIndex % len(candidates)
	b.roundRobinIndex++
	return candidates[idx]
}

func (b *Balancer) selectLeastConnectionsLocked(candidates []string) string {
	best := candidates[0]
	bestDepth := b.queueDepthLocked(best)
	for _, id := range candidates[1:] {
		if d := b.queueDepthLocked(id); d < bestDepth {
			best, bestDepth = id, d
		}
	}
	return best
}

func (b *Balancer) selectResponseTimeLocked(candidates []string) string {
	best := candidates[0]
	bestRT := b.responseTimeLocked(best)
	for _, id := range candidates[1:] {
		if rt := b.responseTimeLocked(id); rt < bestRT {
			best, bestRT = id, rt
		}
	}
	return best
}

func (b *Balancer) selectWeightedLocked(candidates []string, req SelectRequest) string {
	best := candidates[0]
	bestScore := b.scoreLocked(best, req)
	for _, id := range candidates[1:] {
		if s := b.scoreLocked(id, req); s > bestScore {
			best, bestScore = id, s
		}
	}
	return best
}

// scoreLocked implements spec.md §4.4's weighted scoring formula exactly.
func (b *Balancer) scoreLocked(workerID string, req SelectRequest) float64 {
	ws := b.workers[workerID]
	if ws == nil {
		return 0
	}

	score := scoreBase
	score -= queueDepthPenaltyPerReq * float64(ws.queueDepth)

	rtPenalty := float64(ws.averageResponseTime.Milliseconds()) / responseTimeDivisor
	if rtPenalty > responseTimePenaltyCap {
		rtPenalty = responseTimePenaltyCap
	}
	score -= rtPenalty

	score += successRateWeight * ws.successRate

	if req.Voice != "" && ws.modelSpecialty != "" {
		if req.Voice == ws.modelSpecialty {
			score += affinityMatchBonus
		} else {
			score += affinityMismatchPenalty
		}
	}

	if req.Priority == protocol.PriorityHigh {
		switch {
		case ws.queueDepth == 0:
			score += priorityHighIdleBonus
		case ws.queueDepth <= 1:
			score += priorityHighLightBonus
		}
	}

	if !ws.lastCompletion.IsZero() && b.now().Sub(ws.lastCompletion) <= recencyWindowSeconds*time.Second {
		score += recencyPenalty
	}

	if score < 0 {
		score = 0
	}
	return score
}

func (b *Balancer) queueDepthLocked(workerID string) int {
	if ws := b.workers[workerID]; ws != nil {
		return ws.queueDepth
	}
	return 0
}

func (b *Balancer) responseTimeLocked(workerID string) time.Duration {
	if ws := b.workers[workerID]; ws != nil {
		return ws.averageResponseTime
	}
	return 0
}

// RecordCompletion updates workerID's EWMA response time and success rate,
// appends the completion to the bounded history, and stamps lastActivity
// and lastCompletion (the latter drives the weighted policy's recency
// penalty).
func (b *Balancer) RecordCompletion(workerID string, responseTime time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ws, ok := b.workers[workerID]
	if !ok {
		ws = &workerState{lastActivity: now}
		b.workers[workerID] = ws
	}

	if ws.averageResponseTime == 0 {
		ws.averageResponseTime = responseTime
	} else {
		ws.averageResponseTime = ewmaDuration(ws.averageResponseTime, responseTime, responseTimeEWMAAlpha)
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if ws.successRate == 0 && ws.lastActivity.Equal(ws.registeredAt) {
		ws.successRate = outcome
	} else {
		ws.successRate = ewmaFloat(ws.successRate, outcome, responseTimeEWMAAlpha)
	}

	ws.lastActivity = now
	ws.lastCompletion = now

	b.history = append(b.history, HistoryEntry{
		WorkerID:     workerID,
		ResponseTime: responseTime,
		QueueDepth:   ws.queueDepth,
		At:           now,
	})
	if len(b.history) > historyCapacity {
		b.history = b.history[len(b.history)-historyCapacity:]
	}
}

func ewmaDuration(prev, sample time.Duration, alpha float64) time.Duration {
	return time.Duration(alpha*float64(sample) + (1-alpha)*float64(prev))
}

func ewmaFloat(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// Recommend advises the Dispatcher on whether to scale, per spec.md
// §4.4's autoscaling advisory rules evaluated over the last 60s of
// history. idleTimes maps each currently-registered worker id to its idle
// duration (now - lastActivity), supplied by the caller since only the
// Dispatcher knows which workers are live and eligible for scale_down.
func (b *Balancer) Recommend(cfg AutoscaleConfig, idleTimes map[string]time.Duration) Recommendation {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-autoscaleWindow)
	var sumQueueDepth, count float64
	var sumResponseTime time.Duration
	for i := len(b.history) - 1; i >= 0; i-- {
		e := b.history[i]
		if e.At.Before(cutoff) {
			break
		}
		sumQueueDepth += float64(e.QueueDepth)
		sumResponseTime += e.ResponseTime
		count++
	}

	if count == 0 {
		return b.recommendFromIdleLocked(cfg, idleTimes)
	}

	avgQueueDepth := sumQueueDepth / count
	avgResponseTime := sumResponseTime / time.Duration(count)

	if avgQueueDepth >= cfg.ScaleUpQueueDepth {
		return RecommendScaleUp
	}
	if avgResponseTime > cfg.ScaleUpResponseTime {
		return RecommendScaleUp
	}
	if avgQueueDepth == 0 {
		return b.recommendFromIdleLocked(cfg, idleTimes)
	}
	return RecommendNoChange
}

func (b *Balancer) recommendFromIdleLocked(cfg AutoscaleConfig, idleTimes map[string]time.Duration) Recommendation {
	if len(idleTimes) == 0 {
		return RecommendNoChange
	}
	var minIdle time.Duration
	first := true
	for _, idle := range idleTimes {
		if first || idle < minIdle {
			minIdle = idle
			first = false
		}
	}
	if minIdle > cfg.ScaleDownIdleThreshold {
		return RecommendScaleDown
	}
	return RecommendNoChange
}

// Snapshot returns a point-in-time, read-only view of the balancer's
// per-worker stats, for the metrics/health surfaces.
type Snapshot struct {
	WorkerID            string
	QueueDepth          int
	AverageResponseTime time.Duration
	SuccessRate         float64
	ModelSpecialty      string
	LastActivity        time.Time
}

// Snapshots returns the current view of every registered Worker.
func (b *Balancer) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.workers))
	for id, ws := range b.workers {
		out = append(out, Snapshot{
			WorkerID:            id,
			QueueDepth:          ws.queueDepth,
			AverageResponseTime: ws.averageResponseTime,
			SuccessRate:         ws.successRate,
			ModelSpecialty:      ws.modelSpecialty,
			LastActivity:        ws.lastActivity,
		})
	}
	return out
}
