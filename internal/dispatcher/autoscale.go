package dispatcher

import (
	"context"
	"time"

	"github.com/example/ttsworkerd/internal/balancer"
)

// autoscaleLoop runs on a fixed cadence, consulting the Load Balancer's
// advisory and acting on it, per spec.md §4.5. Scale operations are
// serialized by scaleMu; request handlers never contend on it.
func (d *Dispatcher) autoscaleLoop() {
	defer close(d.autoscaleDone)

	interval := d.cfg.AutoscaleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.autoscaleStop:
			return
		case <-ticker.C:
			d.runAutoscaleTick()
		}
	}
}

func (d *Dispatcher) runAutoscaleTick() {
	d.scaleMu.Lock()
	defer d.scaleMu.Unlock()

	d.mu.RLock()
	idleTimes := make(map[string]time.Duration, len(d.workers))
	workerCount := len(d.workers)
	now := d.now()
	for id, rec := range d.workers {
		last := rec.w.Stats().LastActivityTime
		if last.IsZero() {
			last = rec.spawnedAt
		}
		idleTimes[id] = now.Sub(last)
	}
	d.mu.RUnlock()

	cfg := balancer.AutoscaleConfig{
		ScaleUpQueueDepth:      d.cfg.LoadBalancer.ScaleUpThreshold,
		ScaleUpResponseTime:    d.cfg.LoadBalancer.ScaleUpResponseTime,
		ScaleDownIdleThreshold: d.cfg.LoadBalancer.ScaleDownThreshold,
	}
	rec := d.balancer.Recommend(cfg, idleTimes)

	d.lastScale.Store(ScaleEvent{Recommendation: string(rec), WorkerCount: workerCount, At: now.UnixMilli()})
	d.observer.ScaleDecision(rec, workerCount)

	switch rec {
	case balancer.RecommendScaleUp:
		if workerCount >= d.cfg.MaxWorkers {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := d.spawnWorker(ctx); err != nil {
			d.log.Error("autoscale: failed to spawn worker", "error", err)
		}
	case balancer.RecommendScaleDown:
		if workerCount <= d.cfg.MinWorkers {
			return
		}
		d.scaleDownOne()
	}
}

// scaleDownOne shuts down the Worker with zero queue depth and the
// oldest idle time, per spec.md §4.5.
func (d *Dispatcher) scaleDownOne() {
	d.mu.Lock()
	var victimID string
	var victim *workerRecord
	var oldestIdle time.Duration
	now := d.now()
	for id, rec := range d.workers {
		if rec.w.QueueDepth() != 0 {
			continue
		}
		last := rec.w.Stats().LastActivityTime
		if last.IsZero() {
			last = rec.spawnedAt
		}
		idle := now.Sub(last)
		if victim == nil || idle > oldestIdle {
			victimID, victim, oldestIdle = id, rec, idle
		}
	}
	if victim != nil {
		delete(d.workers, victimID)
	}
	d.mu.Unlock()

	if victim == nil {
		return
	}
	d.balancer.RemoveWorker(victimID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = victim.w.Shutdown(ctx)
}
