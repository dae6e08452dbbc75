package lifecycle

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

func newTestController(t *testing.T, debounce time.Duration) (*Controller, *workerregistry.Registry) {
	workers := workerregistry.NewRegistry()
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	c := New(workers, nil, Config{IdleDebounce: debounce}, meter)
	return c, workers
}

func TestSweepIdleRequiresTwoConsecutiveIdleSamples(t *testing.T) {
	c, workers := newTestController(t, 0)
	workers.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })

	first := c.sweepIdle(context.Background())
	if len(first) != 0 {
		t.Fatalf("expected no idle workers on first sample, got %v", first)
	}
	second := c.sweepIdle(context.Background())
	if len(second) != 1 || second[0] != "tcp://w1:1" {
		t.Fatalf("expected w1 idle on second sample, got %v", second)
	}
}

func TestSweepIdleResetsWhenWorkerBecomesBusy(t *testing.T) {
	c, workers := newTestController(t, 0)
	w, _ := workers.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })

	c.sweepIdle(context.Background())
	w.Processing["add-a"] = 1.0
	idle := c.sweepIdle(context.Background())
	if len(idle) != 0 {
		t.Fatalf("expected no idle workers while processing, got %v", idle)
	}
	delete(w.Processing, "add-a")
	first := c.sweepIdle(context.Background())
	if len(first) != 0 {
		t.Fatalf("expected idle debounce to restart after activity, got %v", first)
	}
	second := c.sweepIdle(context.Background())
	if len(second) != 1 {
		t.Fatalf("expected w1 idle again after two fresh samples, got %v", second)
	}
}

func TestAddPluginIsIdempotentByName(t *testing.T) {
	c, _ := newTestController(t, 0)
	var calls int
	p1 := fakePlugin{name: "audit", fn: func() { calls++ }}
	p2 := fakePlugin{name: "audit", fn: func() { calls += 100 }}
	c.AddPlugin(p1)
	c.AddPlugin(p2)
	c.NotifyTransition(context.Background(), "add-a", "released", "processing")
	if calls != 1 {
		t.Fatalf("expected only the first registration under name 'audit' to fire, got calls=%d", calls)
	}
}

func TestAdaptiveTargetClampsToBounds(t *testing.T) {
	c, _ := newTestController(t, 0)
	if got := c.AdaptiveTarget(100, 10, 2, 5); got != 5 {
		t.Fatalf("expected target clamped to max 5, got %d", got)
	}
	if got := c.AdaptiveTarget(1, 10, 3, 5); got != 3 {
		t.Fatalf("expected target clamped to min 3, got %d", got)
	}
	if got := c.AdaptiveTarget(25, 10, 1, 10); got != 3 {
		t.Fatalf("expected ceil(25/10)=3, got %d", got)
	}
}

func TestSweepExpiredWorkersInvokesHandlerPastTTL(t *testing.T) {
	c, workers := newTestController(t, 0)
	w, _ := workers.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	w.LastSeen = time.Now().Add(-time.Minute).UnixNano()

	var notified []string
	c.SetWorkerTimeoutHandler(func(ctx context.Context, address string) {
		notified = append(notified, address)
	})
	c.workerTTL = 10 * time.Second

	c.sweepExpiredWorkers(context.Background())
	if len(notified) != 1 || notified[0] != "tcp://w1:1" {
		t.Fatalf("expected w1 reported as timed out, got %v", notified)
	}
}

func TestSweepExpiredWorkersIgnoresFreshHeartbeats(t *testing.T) {
	c, workers := newTestController(t, 0)
	workers.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })

	var notified []string
	c.SetWorkerTimeoutHandler(func(ctx context.Context, address string) {
		notified = append(notified, address)
	})
	c.workerTTL = 10 * time.Second

	c.sweepExpiredWorkers(context.Background())
	if len(notified) != 0 {
		t.Fatalf("expected no timeouts for a freshly registered worker, got %v", notified)
	}
}

type fakePlugin struct {
	name string
	fn   func()
}

func (f fakePlugin) Name() string { return f.name }
func (f fakePlugin) OnTransition(ctx context.Context, key string, from, to string) { f.fn() }
