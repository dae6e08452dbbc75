package workerregistry

import (
	"testing"

	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/taskgraph"
)

func TestAddWorkerRejectsNameCollisionWhileLive(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil }); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := r.AddWorker("tcp://w1:2", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil }); err == nil {
		t.Fatalf("expected name collision error for a live worker")
	}
}

func TestAddWorkerAllowsNameReuseAfterRemoval(t *testing.T) {
	r := NewRegistry()
	r.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	r.RemoveWorker("tcp://w1:1")

	if _, err := r.AddWorker("tcp://w1:2", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil }); err != nil {
		t.Fatalf("expected name reuse after removal to succeed, got %v", err)
	}
}

func TestAddWorkerRejectsUnexpectedKeysInMemory(t *testing.T) {
	r := NewRegistry()
	known := func(taskgraph.Key) *taskgraph.Task { return nil }
	if _, err := r.AddWorker("tcp://w1:1", "w1", 4, nil, nil, []taskgraph.Key{"add-a"}, nil, known); err == nil {
		t.Fatalf("expected error announcing an unknown key")
	}
}

func TestRemoveWorkerReturnsProcessingAndHeldKeys(t *testing.T) {
	r := NewRegistry()
	w, _ := r.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	w.Processing["add-a"] = 1.0
	w.HasWhat["add-b"] = struct{}{}

	status, processing, hadWhat := r.RemoveWorker("tcp://w1:1")
	if status != "OK" {
		t.Fatalf("expected OK status, got %s", status)
	}
	if len(processing) != 1 || processing[0] != "add-a" {
		t.Fatalf("expected processing=[add-a], got %v", processing)
	}
	if len(hadWhat) != 1 || hadWhat[0] != "add-b" {
		t.Fatalf("expected hadWhat=[add-b], got %v", hadWhat)
	}
}

func TestRemoveWorkerIsIdempotent(t *testing.T) {
	r := NewRegistry()
	status, _, _ := r.RemoveWorker("tcp://ghost:1")
	if status != "already-removed" {
		t.Fatalf("expected already-removed for unknown address, got %s", status)
	}
}

func TestAddWorkerSeedsLastSeenSoFreshWorkersAreNotImmediatelyStale(t *testing.T) {
	r := NewRegistry()
	w, _ := r.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	if w.LastSeen == 0 {
		t.Fatalf("expected LastSeen to be seeded at registration, got zero value")
	}
}

func TestTotalMemorySumsOnlyRunningWorkers(t *testing.T) {
	r := NewRegistry()
	w1, _ := r.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	w2, _ := r.AddWorker("tcp://w2:1", "w2", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	w1.Memory = memory.New(100, 40, 0, 0)
	w2.Memory = memory.New(200, 60, 0, 0)
	w2.Status = Paused

	total := r.TotalMemory()
	if total.Process != 100 || total.ManagedInMemory != 40 {
		t.Fatalf("expected paused worker excluded from total, got %+v", total)
	}
}

func TestCoerceAddressResolvesBareHostDeterministically(t *testing.T) {
	r := NewRegistry()
	r.AddWorker("tcp://10.0.0.1:2", "w2", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	r.AddWorker("tcp://10.0.0.1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })

	addr, ok := r.CoerceAddress("10.0.0.1")
	if !ok {
		t.Fatalf("expected host to resolve")
	}
	if addr != "tcp://10.0.0.1:1" {
		t.Fatalf("expected lowest address tcp://10.0.0.1:1, got %s", addr)
	}
}

func TestHeartbeatClockRejectsStaleSequence(t *testing.T) {
	w, _ := NewRegistry().AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, func(taskgraph.Key) *taskgraph.Task { return nil })
	if !w.HeartbeatSeq.Advance(1) {
		t.Fatalf("expected first heartbeat seq 1 to advance")
	}
	if !w.HeartbeatSeq.Advance(2) {
		t.Fatalf("expected seq 2 to advance")
	}
	if w.HeartbeatSeq.Advance(2) {
		t.Fatalf("expected duplicate seq 2 to be rejected")
	}
	if w.HeartbeatSeq.Advance(1) {
		t.Fatalf("expected stale seq 1 to be rejected")
	}
}
