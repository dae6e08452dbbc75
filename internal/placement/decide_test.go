package placement

import (
	"testing"

	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

type allowAll struct{}

func (allowAll) Allows(address string, r taskgraph.Restrictions) bool { return true }

type fixedDuration struct{ d float64 }

func (f fixedDuration) Estimate(t *taskgraph.Task) float64 { return f.d }

func newRegistryWithWorkers(t *testing.T, addrs ...string) *workerregistry.Registry {
	reg := workerregistry.NewRegistry()
	for _, a := range addrs {
		if _, err := reg.AddWorker(a, a, 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil }); err != nil {
			t.Fatalf("add worker %s: %v", a, err)
		}
	}
	return reg
}

func TestDecidePicksLeastOccupiedWorker(t *testing.T) {
	reg := newRegistryWithWorkers(t, "tcp://w1:1", "tcp://w2:1")
	reg.Get("tcp://w1:1").Occupancy = 5.0
	reg.Get("tcp://w2:1").Occupancy = 1.0

	p := New(reg, allowAll{}, fixedDuration{d: 1}, DefaultConfig(), func() int { return 8 })
	task := &taskgraph.Task{Key: "add-a", Dependencies: map[taskgraph.Key]*taskgraph.Task{}}

	addr, ok := p.Decide(task)
	if !ok {
		t.Fatalf("expected a placement decision")
	}
	if addr != "tcp://w2:1" {
		t.Fatalf("expected least-occupied worker w2, got %s", addr)
	}
}

func TestDecideReturnsFalseWhenNoCandidates(t *testing.T) {
	reg := workerregistry.NewRegistry()
	p := New(reg, allowAll{}, fixedDuration{d: 1}, DefaultConfig(), func() int { return 0 })
	task := &taskgraph.Task{Key: "add-a", Dependencies: map[taskgraph.Key]*taskgraph.Task{}}

	if _, ok := p.Decide(task); ok {
		t.Fatalf("expected no placement with zero workers")
	}
}

func TestDecidePrefersDependencyLocality(t *testing.T) {
	reg := newRegistryWithWorkers(t, "tcp://w1:1", "tcp://w2:1")
	reg.Get("tcp://w1:1").Occupancy = 0
	reg.Get("tcp://w2:1").Occupancy = 0

	dep := &taskgraph.Task{Key: "add-dep", NBytes: 100, WhoHas: map[string]struct{}{"tcp://w2:1": {}}}
	task := &taskgraph.Task{
		Key:          "add-a",
		Dependencies: map[taskgraph.Key]*taskgraph.Task{"add-dep": dep},
	}

	p := New(reg, allowAll{}, fixedDuration{d: 1}, DefaultConfig(), func() int { return 8 })
	addr, ok := p.Decide(task)
	if !ok {
		t.Fatalf("expected a placement decision")
	}
	if addr != "tcp://w2:1" {
		t.Fatalf("expected locality-preferred worker w2 (holds the dependency), got %s", addr)
	}
}

func TestDecideExcludesPausedWorkers(t *testing.T) {
	reg := newRegistryWithWorkers(t, "tcp://w1:1", "tcp://w2:1")
	reg.Get("tcp://w1:1").Status = workerregistry.Paused

	p := New(reg, allowAll{}, fixedDuration{d: 1}, DefaultConfig(), func() int { return 8 })
	task := &taskgraph.Task{Key: "add-a", Dependencies: map[taskgraph.Key]*taskgraph.Task{}}

	addr, ok := p.Decide(task)
	if !ok {
		t.Fatalf("expected a placement decision")
	}
	if addr != "tcp://w2:1" {
		t.Fatalf("expected paused worker excluded, got %s", addr)
	}
}
