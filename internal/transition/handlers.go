package transition

import (
	"github.com/swarmguard/scheduler/internal/taskgraph"
)

func buildTable() map[pairKey]Handler {
	t := map[pairKey]Handler{}
	t[pairKey{taskgraph.Released, taskgraph.Waiting}] = releasedToWaiting
	t[pairKey{taskgraph.Released, taskgraph.Processing}] = releasedOrWaitingToProcessing
	t[pairKey{taskgraph.Released, taskgraph.NoWorker}] = toNoWorker
	t[pairKey{taskgraph.Released, taskgraph.Forgotten}] = toForgotten

	t[pairKey{taskgraph.Waiting, taskgraph.Processing}] = releasedOrWaitingToProcessing
	t[pairKey{taskgraph.Waiting, taskgraph.NoWorker}] = toNoWorker
	t[pairKey{taskgraph.Waiting, taskgraph.Released}] = toReleased

	t[pairKey{taskgraph.NoWorker, taskgraph.Processing}] = releasedOrWaitingToProcessing
	t[pairKey{taskgraph.NoWorker, taskgraph.Released}] = toReleased

	t[pairKey{taskgraph.Processing, taskgraph.Memory}] = processingToMemory
	t[pairKey{taskgraph.Processing, taskgraph.Erred}] = processingToErred
	t[pairKey{taskgraph.Processing, taskgraph.Released}] = processingToReleased
	t[pairKey{taskgraph.Processing, taskgraph.Waiting}] = processingToWaiting

	t[pairKey{taskgraph.Memory, taskgraph.Released}] = toReleased
	t[pairKey{taskgraph.Memory, taskgraph.Forgotten}] = toForgotten

	t[pairKey{taskgraph.Erred, taskgraph.Released}] = erredToReleased
	t[pairKey{taskgraph.Erred, taskgraph.Forgotten}] = toForgotten

	t[pairKey{taskgraph.Waiting, taskgraph.Erred}] = toErredFromUnplaced
	t[pairKey{taskgraph.NoWorker, taskgraph.Erred}] = toErredFromUnplaced

	return t
}

// allDependenciesInMemory reports whether t is ready to be assigned a worker.
func allDependenciesInMemory(t *taskgraph.Task) bool {
	for _, dep := range t.Dependencies {
		if dep.State != taskgraph.Memory {
			return false
		}
	}
	return true
}

func releasedToWaiting(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	return Result{}, nil
}

// releasedOrWaitingToProcessing is requested once every dependency is in memory.
// It asks the placer to choose a worker; if none is available it redirects the
// actual transition to no-worker rather than lying about state (spec.md §4.5).
func releasedOrWaitingToProcessing(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	if !allDependenciesInMemory(t) {
		waiting := taskgraph.Waiting
		return Result{ActualTo: &waiting}, nil
	}

	addr, ok := ctx.Placer.Decide(t)
	if !ok {
		noWorker := taskgraph.NoWorker
		return Result{ActualTo: &noWorker}, nil
	}

	w := ctx.Workers.Get(addr)
	if w == nil {
		noWorker := taskgraph.NoWorker
		return Result{ActualTo: &noWorker}, nil
	}

	duration := ctx.Durations.Estimate(t)
	w.Processing[t.Key] = duration
	w.Occupancy += duration
	t.ProcessingOn = addr

	who := make([]string, 0, len(t.Dependencies))
	nbytes := make(map[string]int64, len(t.Dependencies))
	for depKey, dep := range t.Dependencies {
		for worker := range dep.WhoHas {
			if worker != addr {
				who = append(who, worker)
			}
		}
		nbytes[string(depKey)] = dep.NBytes
	}

	msg := Message{
		ToWorker: addr,
		Kind:     "compute-task",
		Payload: map[string]any{
			"key":      string(t.Key),
			"priority": t.Priority,
			"duration": duration,
			"run_spec": t.RunSpec,
			"who_has":  who,
			"nbytes":   nbytes,
			"stimulus_id": stimulusID,
		},
	}
	return Result{Messages: []Message{msg}}, nil
}

func toNoWorker(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	return Result{}, nil
}

// toReleased clears any worker assignment; it leaves who_has as it is.
// Forgetting/re-forgetting is left to the caller (cull/forget run outside the
// transition table, per spec.md §4.1).
func toReleased(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	if t.ProcessingOn != "" {
		if w := ctx.Workers.Get(t.ProcessingOn); w != nil {
			if d, ok := w.Processing[t.Key]; ok {
				w.Occupancy -= d
				delete(w.Processing, t.Key)
				w.ClearOccupancyIfEmpty()
			}
		}
		t.ProcessingOn = ""
	}
	return Result{}, nil
}

func toForgotten(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	_ = ctx.Store.Forget(t)
	return Result{}, nil
}

// processingToMemory records a successful result: the worker becomes a replica
// holder and every waiting dependent whose dependencies are now all satisfied
// is recommended forward. t itself is not yet in memory while this handler
// runs (the engine sets the state afterwards), so it is skipped in that check.
func processingToMemory(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	addr := t.ProcessingOn
	if w := ctx.Workers.Get(addr); w != nil {
		if d, ok := w.Processing[t.Key]; ok {
			ctx.Durations.Observe(keySplit(t.Key), d)
			w.Occupancy -= d
			delete(w.Processing, t.Key)
			w.ClearOccupancyIfEmpty()
		}
		w.HasWhat[t.Key] = struct{}{}
		if t.NBytes > 0 {
			w.NBytes += t.NBytes
		}
	}
	t.ProcessingOn = ""
	t.WhoHas[addr] = struct{}{}

	var followOns []Recommendation
	for depKey, dep := range t.Dependents {
		if dep.State != taskgraph.Waiting {
			continue
		}
		ready := true
		for k, d := range dep.Dependencies {
			if k != t.Key && d.State != taskgraph.Memory {
				ready = false
				break
			}
		}
		if ready {
			followOns = append(followOns, Recommendation{Key: depKey, To: taskgraph.Processing})
		}
	}

	msg := Message{
		Kind:    "key-in-memory",
		Payload: map[string]any{"key": string(t.Key), "type": t.Type, "nbytes": t.NBytes},
	}
	return Result{FollowOns: followOns, Messages: []Message{msg}}, nil
}

// processingToErred is requested once retries are exhausted.
func processingToErred(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	if w := ctx.Workers.Get(t.ProcessingOn); w != nil {
		if d, ok := w.Processing[t.Key]; ok {
			w.Occupancy -= d
			delete(w.Processing, t.Key)
			w.ClearOccupancyIfEmpty()
		}
	}
	t.ProcessingOn = ""

	var followOns []Recommendation
	for depKey := range t.Dependents {
		followOns = append(followOns, Recommendation{Key: depKey, To: taskgraph.Erred})
	}

	msg := Message{
		Kind:    "task-erred",
		Payload: map[string]any{"key": string(t.Key), "exception": t.Exception, "traceback": t.Traceback},
	}
	return Result{FollowOns: followOns, Messages: []Message{msg}}, nil
}

// toErredFromUnplaced cascades a failure into a dependent that never reached
// processing (waiting or no-worker): it can carry no worker-occupancy state,
// only the exception and the forward cascade to its own dependents, closing
// the "erred ⇒ every dependent in erred or released" invariant (spec.md §3).
func toErredFromUnplaced(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	if t.Exception == "" {
		t.Exception = "upstream dependency failed"
	}

	var followOns []Recommendation
	for depKey := range t.Dependents {
		followOns = append(followOns, Recommendation{Key: depKey, To: taskgraph.Erred})
	}

	msg := Message{
		Kind:    "task-erred",
		Payload: map[string]any{"key": string(t.Key), "exception": t.Exception, "traceback": t.Traceback},
	}
	return Result{FollowOns: followOns, Messages: []Message{msg}}, nil
}

// processingToReleased handles a retry: retries remain, so the task goes back
// to released and is immediately recommended forward for rescheduling.
func processingToReleased(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	res, _ := toReleased(ctx, t, stimulusID)
	res.FollowOns = append(res.FollowOns, Recommendation{Key: t.Key, To: taskgraph.Processing})
	return res, nil
}

// processingToWaiting handles the case where the worker executing t disappeared;
// t goes back to waiting and is recommended forward once dependencies allow.
func processingToWaiting(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	res, _ := toReleased(ctx, t, stimulusID)
	if allDependenciesInMemory(t) {
		res.FollowOns = append(res.FollowOns, Recommendation{Key: t.Key, To: taskgraph.Processing})
	}
	return res, nil
}

// erredToReleased is a client-initiated retry of a failed task: the suspicion and
// exception state are cleared and the task is recommended forward.
func erredToReleased(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error) {
	t.Exception = ""
	t.Traceback = ""
	t.Suspicious = 0
	return Result{FollowOns: []Recommendation{{Key: t.Key, To: taskgraph.Processing}}}, nil
}

func keySplit(key taskgraph.Key) string {
	s := string(key)
	for i, c := range s {
		if c == '-' {
			return s[:i]
		}
	}
	return s
}
