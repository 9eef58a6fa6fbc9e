package balancer_test

import (
	"testing"
	"time"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/protocol"
)

// TestBalancer_WeightedAffinity exercises "Model affinity": a worker whose
// modelSpecialty matches the request's voice should win over an otherwise
// identical worker with no specialty, thanks to the +30 affinity bonus.
func TestBalancer_WeightedAffinity(t *testing.T) {
	b := balancer.New(balancer.PolicyWeighted)
	b.RegisterWorker("w1")
	b.RegisterWorker("w2")
	b.SetModelAffinity("w1", "en-US-female")

	got, err := b.Select([]string{"w1", "w2"}, balancer.SelectRequest{Voice: "en-US-female"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "w1" {
		t.Fatalf("want w1 (affinity match), got %s", got)
	}
}

func TestBalancer_WeightedPrefersLowerQueueDepth(t *testing.T) {
	b := balancer.New(balancer.PolicyWeighted)
	b.RegisterWorker("w1")
	b.RegisterWorker("w2")
	b.UpdateQueueDepth("w1", 5)

	got, err := b.Select([]string{"w1", "w2"}, balancer.SelectRequest{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "w2" {
		t.Fatalf("want w2 (lower queue depth), got %s", got)
	}
}

func TestBalancer_RoundRobinCycles(t *testing.T) {
	b := balancer.New(balancer.PolicyRoundRobin)
	b.RegisterWorker("w1")
	b.RegisterWorker("w2")

	candidates := []string{"w1", "w2"}
	first, _ := b.Select(candidates, balancer.SelectRequest{})
	second, _ := b.Select(candidates, balancer.SelectRequest{})
	third, _ := b.Select(candidates, balancer.SelectRequest{})

	if first == second {
		t.Fatalf("expected round robin to alternate, got %s then %s", first, second)
	}
	if first != third {
		t.Fatalf("expected cursor to wrap back to %s, got %s", first, third)
	}
}

func TestBalancer_LeastConnections(t *testing.T) {
	b := balancer.New(balancer.PolicyLeastConnections)
	b.RegisterWorker("w1")
	b.RegisterWorker("w2")
	b.UpdateQueueDepth("w1", 3)
	b.UpdateQueueDepth("w2", 1)

	got, _ := b.Select([]string{"w1", "w2"}, balancer.SelectRequest{})
	if got != "w2" {
		t.Fatalf("want w2 (fewer connections), got %s", got)
	}
}

func TestBalancer_SelectEmptyCandidates(t *testing.T) {
	b := balancer.New(balancer.PolicyWeighted)
	_, err := b.Select(nil, balancer.SelectRequest{})
	if err == nil {
		t.Fatal("expected no_workers_available error for empty candidate set")
	}
}

func TestBalancer_RecordCompletionFeedsEWMA(t *testing.T) {
	b := balancer.New(balancer.PolicyResponseTime)
	b.RegisterWorker("w1")
	b.RegisterWorker("w2")

	b.RecordCompletion("w1", 500*time.Millisecond, true)
	b.RecordCompletion("w2", 10*time.Millisecond, true)

	got, _ := b.Select([]string{"w1", "w2"}, balancer.SelectRequest{})
	if got != "w2" {
		t.Fatalf("want w2 (lower EWMA response time), got %s", got)
	}
}

func TestBalancer_RecommendScaleUpOnQueueDepth(t *testing.T) {
	now := time.UnixMilli(0)
	b := balancer.New(balancer.PolicyWeighted, balancer.WithClock(func() time.Time { return now }))
	b.RegisterWorker("w1")
	b.UpdateQueueDepth("w1", 5)
	b.RecordCompletion("w1", 50*time.Millisecond, true)

	cfg := balancer.AutoscaleConfig{
		ScaleUpQueueDepth:      2,
		ScaleUpResponseTime:    300 * time.Millisecond,
		ScaleDownIdleThreshold: 10 * time.Second,
	}
	rec := b.Recommend(cfg, map[string]time.Duration{"w1": 0})
	if rec != balancer.RecommendScaleUp {
		t.Fatalf("want scale_up, got %s", rec)
	}
}

func TestBalancer_RecommendScaleDownOnIdle(t *testing.T) {
	b := balancer.New(balancer.PolicyWeighted)
	cfg := balancer.AutoscaleConfig{
		ScaleUpQueueDepth:      2,
		ScaleUpResponseTime:    300 * time.Millisecond,
		ScaleDownIdleThreshold: 10 * time.Second,
	}
	rec := b.Recommend(cfg, map[string]time.Duration{"w1": 20 * time.Second})
	if rec != balancer.RecommendScaleDown {
		t.Fatalf("want scale_down, got %s", rec)
	}
}

func TestBalancer_RemoveWorkerDropsFromView(t *testing.T) {
	b := balancer.New(balancer.PolicyWeighted)
	b.RegisterWorker("w1")
	b.RemoveWorker("w1")

	if snaps := b.Snapshots(); len(snaps) != 0 {
		t.Fatalf("want no snapshots after RemoveWorker, got %d", len(snaps))
	}

	_, err := b.Select([]string{"w1"}, balancer.SelectRequest{})
	if err != nil {
		t.Fatalf("select should still pick the only candidate even if unregistered: %v", err)
	}
}

func TestBalancer_PriorityHighIdleBonus(t *testing.T) {
	b := balancer.New(balancer.PolicyWeighted)
	b.RegisterWorker("w1")
	b.RegisterWorker("w2")
	b.UpdateQueueDepth("w2", 1)

	got, _ := b.Select([]string{"w1", "w2"}, balancer.SelectRequest{Priority: protocol.PriorityHigh})
	if got != "w1" {
		t.Fatalf("want w1 (idle, high priority bonus), got %s", got)
	}
}
