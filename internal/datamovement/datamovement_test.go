package datamovement

import (
	"testing"

	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

func newWorker(t *testing.T, reg *workerregistry.Registry, addr string) *workerregistry.Worker {
	w, err := reg.AddWorker(addr, addr, 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	if err != nil {
		t.Fatalf("add worker %s: %v", addr, err)
	}
	return w
}

func TestMeanAboveBelowMeanClassifyByConfiguredMeasure(t *testing.T) {
	reg := workerregistry.NewRegistry()
	w1 := newWorker(t, reg, "tcp://w1:1")
	w2 := newWorker(t, reg, "tcp://w2:1")
	w3 := newWorker(t, reg, "tcp://w3:1")
	w1.Memory = memory.New(100, 100, 0, 0)
	w2.Memory = memory.New(100, 10, 0, 0)
	w3.Memory = memory.New(100, 10, 0, 0)

	c := &Controller{measure: memory.MeasureManagedInMemory}
	workers := []*workerregistry.Worker{w1, w2, w3}
	mean := c.meanMemory(workers)
	if mean != 40 {
		t.Fatalf("expected mean 40, got %v", mean)
	}
	above := c.aboveMean(workers, mean)
	if len(above) != 1 || above[0] != w1 {
		t.Fatalf("expected only w1 above mean, got %v", above)
	}
	below := c.belowMean(workers, mean)
	if len(below) != 2 {
		t.Fatalf("expected w2 and w3 below mean, got %v", below)
	}
}

func TestPickMovableKeySkipsKeysReceiverAlreadyHas(t *testing.T) {
	reg := workerregistry.NewRegistry()
	sender := newWorker(t, reg, "tcp://w1:1")
	receiver := newWorker(t, reg, "tcp://w2:1")
	sender.HasWhat["add-a"] = struct{}{}
	receiver.HasWhat["add-a"] = struct{}{}

	if _, ok := pickMovableKey(sender, receiver); ok {
		t.Fatalf("expected no movable key when receiver already holds sender's only key")
	}

	sender.HasWhat["add-b"] = struct{}{}
	key, ok := pickMovableKey(sender, receiver)
	if !ok || key != "add-b" {
		t.Fatalf("expected add-b to be movable, got %q ok=%v", key, ok)
	}
}

func TestPickReplicationTargetExcludesRetiringWorkerAndNonRunning(t *testing.T) {
	reg := workerregistry.NewRegistry()
	w1 := newWorker(t, reg, "tcp://w1:1")
	w2 := newWorker(t, reg, "tcp://w2:1")
	w2.Status = workerregistry.Paused
	w3 := newWorker(t, reg, "tcp://w3:1")

	running := []*workerregistry.Worker{w1, w2, w3}
	target := pickReplicationTarget(running, "tcp://w1:1")
	if target != "tcp://w3:1" {
		t.Fatalf("expected tcp://w3:1 (running, not excluded), got %s", target)
	}
}

func TestCandidateWorkersFiltersToRunningSubset(t *testing.T) {
	reg := workerregistry.NewRegistry()
	w1 := newWorker(t, reg, "tcp://w1:1")
	newWorker(t, reg, "tcp://w2:1")
	w1.Status = workerregistry.Paused

	c := &Controller{workers: reg}
	out := c.candidateWorkers([]string{"tcp://w1:1", "tcp://w2:1"})
	if len(out) != 1 || out[0].Address != "tcp://w2:1" {
		t.Fatalf("expected only the running worker w2 as candidate, got %v", out)
	}
}

func TestHoldersOfAndStringKeys(t *testing.T) {
	task := &taskgraph.Task{WhoHas: map[string]struct{}{"tcp://w1:1": {}}}
	if h := holdersOf(task); len(h) != 1 || h[0] != "tcp://w1:1" {
		t.Fatalf("unexpected holders: %v", h)
	}
	keys := stringKeys([]taskgraph.Key{"add-a", "add-b"})
	if len(keys) != 2 || keys[0] != "add-a" || keys[1] != "add-b" {
		t.Fatalf("unexpected string keys: %v", keys)
	}
}
