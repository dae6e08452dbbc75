package occupancy

import (
	"math"
	"testing"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

func TestEstimateFallsBackToUnknownDuration(t *testing.T) {
	m := New(DefaultConfig())
	task := &taskgraph.Task{Key: "add-1"}

	d := m.Estimate(task)
	if d != 0.5 {
		t.Fatalf("expected unknown-task fallback 0.5, got %v", d)
	}
	pending := m.PendingUnknown()
	if pending["add"] != 1 {
		t.Fatalf("expected one pending unknown observation for prefix add, got %+v", pending)
	}
}

func TestObserveSeedsThenBlendsEWMA(t *testing.T) {
	m := New(DefaultConfig())
	m.Observe("add", 2.0)
	task := &taskgraph.Task{Key: "add-1"}
	if d := m.Estimate(task); d != 2.0 {
		t.Fatalf("expected seeded EWMA of 2.0, got %v", d)
	}

	m.Observe("add", 4.0)
	// alpha=0.3: 0.3*4 + 0.7*2 = 2.6
	if d := m.Estimate(task); math.Abs(d-2.6) > 1e-9 {
		t.Fatalf("expected blended EWMA 2.6, got %v", d)
	}
}

func TestObserveClearsPendingUnknown(t *testing.T) {
	m := New(DefaultConfig())
	m.Estimate(&taskgraph.Task{Key: "add-1"})
	if len(m.PendingUnknown()) != 1 {
		t.Fatalf("expected a pending unknown entry before observing")
	}
	m.Observe("add", 1.0)
	if len(m.PendingUnknown()) != 0 {
		t.Fatalf("expected pending unknown cleared after observation")
	}
}

func TestEstimatePrefersConfiguredDefaultOverUnknownFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTaskDurations["mul"] = 3.3
	m := New(cfg)
	d := m.Estimate(&taskgraph.Task{Key: "mul-7"})
	if d != 3.3 {
		t.Fatalf("expected configured default 3.3, got %v", d)
	}
}
