package transition

import (
	"testing"

	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

type fakePlacer struct {
	address string
	ok      bool
}

func (f fakePlacer) Decide(t *taskgraph.Task) (string, bool) { return f.address, f.ok }

type fakeDurations struct{}

func (fakeDurations) Estimate(t *taskgraph.Task) float64    { return 1.5 }
func (fakeDurations) Observe(prefix string, seconds float64) {}

func newTestContext(t *testing.T, placerOK bool) (*Context, *taskgraph.Store) {
	store := taskgraph.NewStore(100)
	workers := workerregistry.NewRegistry()
	if placerOK {
		if _, err := workers.AddWorker("tcp://w1:1", "w1", 4, nil, nil, nil, nil, store.Get); err != nil {
			t.Fatalf("add worker: %v", err)
		}
	}
	return &Context{
		Store:     store,
		Workers:   workers,
		Placer:    fakePlacer{address: "tcp://w1:1", ok: placerOK},
		Durations: fakeDurations{},
	}, store
}

func TestReleasedToProcessingPlacesOnWorkerWhenDepsReady(t *testing.T) {
	ctx, store := newTestContext(t, true)
	store.NewTask("add-a", []byte("spec"), nil, "", taskgraph.Priority{})
	engine := NewEngine(ctx, 0)

	messages, err := engine.Transition("add-a", taskgraph.Processing, "stim-1")
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	task := store.Get("add-a")
	if task.State != taskgraph.Processing {
		t.Fatalf("expected processing, got %s", task.State)
	}
	if task.ProcessingOn != "tcp://w1:1" {
		t.Fatalf("expected assignment to w1, got %q", task.ProcessingOn)
	}
	if len(messages) != 1 || messages[0].Kind != "compute-task" {
		t.Fatalf("expected one compute-task message, got %+v", messages)
	}
}

func TestReleasedToProcessingRedirectsToNoWorkerWhenPlacementFails(t *testing.T) {
	ctx, store := newTestContext(t, false)
	store.NewTask("add-a", []byte("spec"), nil, "", taskgraph.Priority{})
	engine := NewEngine(ctx, 0)

	if _, err := engine.Transition("add-a", taskgraph.Processing, "stim-1"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	task := store.Get("add-a")
	if task.State != taskgraph.NoWorker {
		t.Fatalf("expected no-worker, got %s", task.State)
	}
}

func TestProcessingToMemoryAdvancesReadyDependents(t *testing.T) {
	ctx, store := newTestContext(t, true)
	store.NewTask("add-b", []byte("spec-b"), []taskgraph.Key{"add-a"}, "", taskgraph.Priority{})
	engine := NewEngine(ctx, 0)

	// add-b is submitted first so it waits on add-a, as after update-graph.
	if _, err := engine.Transition("add-b", taskgraph.Processing, "stim-0"); err != nil {
		t.Fatalf("submit add-b: %v", err)
	}
	if _, err := engine.Transition("add-a", taskgraph.Processing, "stim-1"); err != nil {
		t.Fatalf("place add-a: %v", err)
	}
	messages, err := engine.Transition("add-a", taskgraph.Memory, "stim-2")
	if err != nil {
		t.Fatalf("finish add-a: %v", err)
	}
	b := store.Get("add-b")
	if b.State != taskgraph.Processing {
		t.Fatalf("expected add-b to follow on to processing, got %s", b.State)
	}
	foundKeyInMemory := false
	for _, m := range messages {
		if m.Kind == "key-in-memory" {
			foundKeyInMemory = true
		}
	}
	if !foundKeyInMemory {
		t.Fatalf("expected a key-in-memory message, got %+v", messages)
	}
}

func TestProcessingToErredCascadesThroughWaitingDependents(t *testing.T) {
	ctx, store := newTestContext(t, true)
	store.NewTask("add-b", []byte("spec-b"), []taskgraph.Key{"add-a"}, "", taskgraph.Priority{})
	engine := NewEngine(ctx, 0)

	// add-b is submitted for processing before add-a is ready, so it lands in
	// waiting (the releasedOrWaitingToProcessing ActualTo redirect), same as
	// an update-graph submission of a task with unsatisfied dependencies.
	if _, err := engine.Transition("add-b", taskgraph.Processing, "stim-0"); err != nil {
		t.Fatalf("submit add-b: %v", err)
	}
	if store.Get("add-b").State != taskgraph.Waiting {
		t.Fatalf("expected add-b in waiting, got %s", store.Get("add-b").State)
	}

	if _, err := engine.Transition("add-a", taskgraph.Processing, "stim-1"); err != nil {
		t.Fatalf("place add-a: %v", err)
	}
	// erring add-a must cascade into add-b's waiting->erred transition rather
	// than aborting the whole batch.
	if _, err := engine.Transition("add-a", taskgraph.Erred, "stim-2"); err != nil {
		t.Fatalf("erred cascade aborted: %v", err)
	}
	b := store.Get("add-b")
	if b.State != taskgraph.Erred {
		t.Fatalf("expected add-b cascaded to erred, got %s", b.State)
	}
	if b.Exception == "" {
		t.Fatalf("expected add-b to carry an exception")
	}
}

func TestBatchTooLargeIsRejected(t *testing.T) {
	ctx, store := newTestContext(t, true)
	store.NewTask("add-b", []byte("spec-b"), []taskgraph.Key{"add-a"}, "", taskgraph.Priority{})
	store.NewTask("add-c", []byte("spec-c"), []taskgraph.Key{"add-a"}, "", taskgraph.Priority{})
	engine := NewEngine(ctx, 2)

	// add-b and add-c are submitted first so both wait on add-a.
	for _, k := range []taskgraph.Key{"add-b", "add-c"} {
		if _, err := engine.Transition(k, taskgraph.Processing, "stim-0"); err != nil {
			t.Fatalf("submit %s: %v", k, err)
		}
	}
	if _, err := engine.Transition("add-a", taskgraph.Processing, "stim-1"); err != nil {
		t.Fatalf("place add-a: %v", err)
	}
	// add-a -> memory recommends both add-b and add-c forward: 3 total
	// transitions in this stimulus, exceeding maxBatch=2.
	if _, err := engine.Transition("add-a", taskgraph.Memory, "stim-2"); err != ErrBatchTooLarge {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}
