// Package stimuli implements the scheduler's ingress vocabulary: the
// client- and worker-originated events named in spec.md §6
// (update-graph, release-keys, register-worker, heartbeat-worker,
// task-finished, missing-data, ...), each stamped with a stimulus_id and
// fed through internal/transition as one atomic batch.
package stimuli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/scheduler/internal/clientregistry"
	"github.com/swarmguard/scheduler/internal/datamovement"
	"github.com/swarmguard/scheduler/internal/egress"
	"github.com/swarmguard/scheduler/internal/lifecycle"
	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/nanny"
	"github.com/swarmguard/scheduler/internal/persistence"
	"github.com/swarmguard/scheduler/internal/policy"
	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/transition"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

// Handlers wires every component the ingress layer needs to act on one stimulus.
type Handlers struct {
	Store     *taskgraph.Store
	Workers   *workerregistry.Registry
	Clients   *clientregistry.Registry
	Engine    *transition.Engine
	Policy    *policy.Engine
	Transport *egress.Transport
	Mover     *datamovement.Controller
	Lifecycle *lifecycle.Controller
	Audit     *persistence.AuditStore
	Nannies   map[string]*nanny.Client // worker address -> its nanny's gRPC client

	// AllowedFailures bounds how many times a task may see the worker
	// computing it die before it is given up on as a KilledWorker (spec.md
	// §4.7 suspicion protocol).
	AllowedFailures int
}

func newStimulusID() string { return uuid.NewString() }

// dispatch runs a transition, notifies lifecycle plugins of the requested
// key's state change, and hands the outbound batch to the transport.
func (h *Handlers) dispatch(ctx context.Context, key taskgraph.Key, to taskgraph.State, stimulusID string) error {
	before := taskgraph.Released
	if t := h.Store.Get(key); t != nil {
		before = t.State
	}
	messages, err := h.Engine.Transition(key, to, stimulusID)
	if err != nil {
		return fmt.Errorf("stimuli: transition %s->%s for %s: %w", before, to, key, err)
	}
	if after := h.Store.Get(key); after != nil && h.Lifecycle != nil {
		h.Lifecycle.NotifyTransition(ctx, string(key), before.String(), after.State.String())
	}
	return h.flush(ctx, messages)
}

func (h *Handlers) flush(ctx context.Context, messages []transition.Message) error {
	byWorker := map[string][]egress.Envelope{}
	byClient := map[string][]egress.Envelope{}
	for _, m := range messages {
		env := egress.Envelope{Kind: m.Kind, Payload: m.Payload}
		if m.ToWorker != "" {
			byWorker[m.ToWorker] = append(byWorker[m.ToWorker], env)
		}
		if m.ToClient != "" {
			byClient[m.ToClient] = append(byClient[m.ToClient], env)
		}
	}
	if h.Transport == nil {
		return nil
	}
	for addr, envs := range byWorker {
		if err := h.Transport.PublishToWorker(ctx, addr, envs); err != nil {
			return err
		}
	}
	for id, envs := range byClient {
		if err := h.Transport.PublishToClient(ctx, id, envs); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) audit(key taskgraph.Key, from, to taskgraph.State, stimulusID string) {
	if h.Audit == nil {
		return
	}
	entries := h.Store.Story(key)
	if len(entries) == 0 {
		return
	}
	last := entries[len(entries)-1]
	_ = h.Audit.AppendTransition(persistence.TransitionRecord{
		Seq: last.Seq, Key: string(key), From: from.String(), To: to.String(),
		StimulusID: stimulusID, Timestamp: last.Timestamp,
	})
}

// TaskSubmission describes one task in an update-graph call.
type TaskSubmission struct {
	Key          taskgraph.Key
	RunSpec      taskgraph.RunSpec
	Dependencies []taskgraph.Key
	GroupName    string
	Priority     taskgraph.Priority
	Restrictions taskgraph.Restrictions
}

// UpdateGraph submits new tasks, wires their dependencies, marks clientID as
// wanting every key in keysWanted, and advances every newly-ready task
// forward (spec.md's update-graph stimulus).
func (h *Handlers) UpdateGraph(ctx context.Context, clientID string, tasks []TaskSubmission, keysWanted []taskgraph.Key) (stimulusID string, err error) {
	stimulusID = newStimulusID()
	for _, ts := range tasks {
		t := h.Store.NewTask(ts.Key, ts.RunSpec, ts.Dependencies, ts.GroupName, ts.Priority)
		t.Restrictions = ts.Restrictions
	}
	for _, k := range keysWanted {
		h.Store.Want(clientID, k)
	}
	for _, ts := range tasks {
		t := h.Store.Get(ts.Key)
		if t == nil || t.State != taskgraph.Released {
			continue
		}
		if err := h.dispatch(ctx, ts.Key, taskgraph.Processing, stimulusID); err != nil {
			return stimulusID, err
		}
	}
	return stimulusID, nil
}

// ReleaseKeys drops clientID's hold on keys and culls whatever becomes unreachable.
func (h *Handlers) ReleaseKeys(ctx context.Context, clientID string, keys []taskgraph.Key) (stimulusID string, culled []taskgraph.Key) {
	stimulusID = newStimulusID()
	for _, k := range keys {
		h.Store.Unwant(clientID, k)
	}
	culled = h.Store.Cull(nil)
	return stimulusID, culled
}

// CancelKey forcibly releases a queued (waiting or no-worker), processing or
// in-memory task regardless of who wants it.
func (h *Handlers) CancelKey(ctx context.Context, key taskgraph.Key) (string, error) {
	stimulusID := newStimulusID()
	t := h.Store.Get(key)
	if t == nil {
		return stimulusID, nil
	}
	var to taskgraph.State
	switch t.State {
	case taskgraph.Processing:
		to = taskgraph.Released
	case taskgraph.Memory:
		to = taskgraph.Released
	case taskgraph.Waiting, taskgraph.NoWorker:
		to = taskgraph.Released
	default:
		return stimulusID, nil
	}
	return stimulusID, h.dispatch(ctx, key, to, stimulusID)
}

// SetRestrictions narrows which workers a not-yet-placed task may run on.
func (h *Handlers) SetRestrictions(key taskgraph.Key, r taskgraph.Restrictions) error {
	t := h.Store.Get(key)
	if t == nil {
		return fmt.Errorf("stimuli: unknown key %s", key)
	}
	if t.State == taskgraph.Processing || t.State == taskgraph.Memory {
		return fmt.Errorf("stimuli: cannot restrict %s: already placed", key)
	}
	t.Restrictions = r
	return nil
}

// Scatter introduces client-provided data directly into the graph as
// already-in-memory replicas, with no run_spec to recompute from if lost.
func (h *Handlers) Scatter(ctx context.Context, clientID string, address string, key taskgraph.Key, nbytes int64) (string, error) {
	stimulusID := newStimulusID()
	t := h.Store.NewTask(key, nil, nil, "", taskgraph.Priority{})
	t.NBytes = nbytes
	t.WhoHas[address] = struct{}{}
	h.Store.SetState(t, taskgraph.Memory)
	h.Store.AppendLog(key, taskgraph.Released, taskgraph.Memory, stimulusID)
	h.Store.Want(clientID, key)
	if w := h.Workers.Get(address); w != nil {
		w.HasWhat[key] = struct{}{}
		w.NBytes += nbytes
	}
	h.audit(key, taskgraph.Released, taskgraph.Memory, stimulusID)
	return stimulusID, nil
}

// Gather asks dest to fetch keys, delegating to the data-movement controller.
func (h *Handlers) Gather(ctx context.Context, keys []taskgraph.Key, dest string) (string, error) {
	stimulusID := newStimulusID()
	for _, k := range keys {
		if err := h.Mover.GatherOnWorker(ctx, k, dest); err != nil {
			return stimulusID, err
		}
	}
	return stimulusID, nil
}

// Restart asks every worker's nanny to relaunch it, used for a clean-slate
// restart of the whole cluster (spec.md §4.7's non-failure restart path).
func (h *Handlers) Restart(ctx context.Context, timeout time.Duration) (string, []error) {
	stimulusID := newStimulusID()
	var errs []error
	for addr, client := range h.Nannies {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		err := client.Relaunch(rctx, addr)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", addr, err))
		}
	}
	return stimulusID, errs
}

// RetireWorkers gracefully drains the given workers ahead of removal.
func (h *Handlers) RetireWorkers(ctx context.Context, addresses []string) (string, error) {
	stimulusID := newStimulusID()
	return stimulusID, h.Mover.RetireWorkers(ctx, addresses)
}

// Rebalance triggers an immediate, on-demand rebalance sweep (as opposed to
// the cron-driven one in internal/lifecycle).
func (h *Handlers) Rebalance(ctx context.Context, workers []string) (string, int, error) {
	stimulusID := newStimulusID()
	moved, err := h.Mover.Rebalance(ctx, workers)
	return stimulusID, moved, err
}

// RunOnScheduler executes an operator-supplied maintenance hook in-process.
// fn must not block the event loop for long (spec.md's single-threaded model).
func (h *Handlers) RunOnScheduler(fn func()) (string, error) {
	stimulusID := newStimulusID()
	if fn == nil {
		return stimulusID, fmt.Errorf("stimuli: run-on-scheduler with nil function")
	}
	fn()
	return stimulusID, nil
}

// RegisterWorker admits a newly connected worker process.
func (h *Handlers) RegisterWorker(address string, name any, nthreads int, resources map[string]float64, versions map[string]string, keysInMemory []taskgraph.Key, nbytes map[taskgraph.Key]int64) (string, error) {
	stimulusID := newStimulusID()
	_, err := h.Workers.AddWorker(address, name, nthreads, resources, versions, keysInMemory, nbytes, h.Store.Get)
	if err != nil {
		return stimulusID, err
	}
	for _, k := range keysInMemory {
		if t := h.Store.Get(k); t != nil {
			t.WhoHas[address] = struct{}{}
		}
	}
	return stimulusID, nil
}

// HeartbeatWorker records liveness and resource utilization. seq is the
// worker-local monotonic heartbeat counter (SPEC_FULL.md §4.9.1); stale or
// replayed heartbeats are rejected.
func (h *Handlers) HeartbeatWorker(address string, seq uint64, usedResources map[string]float64, memoryState struct{ Process, ManagedInMemory, ManagedSpilled, UnmanagedOld int64 }) (string, error) {
	stimulusID := newStimulusID()
	w := h.Workers.Get(address)
	if w == nil {
		return stimulusID, fmt.Errorf("stimuli: heartbeat from unknown worker %s", address)
	}
	if !w.HeartbeatSeq.Advance(seq) {
		slog.Warn("rejected stale heartbeat", "worker", address, "seq", seq)
		return stimulusID, nil
	}
	w.UsedResources = usedResources
	w.Memory = memory.New(memoryState.Process, memoryState.ManagedInMemory, memoryState.ManagedSpilled, memoryState.UnmanagedOld)
	w.LastSeen = time.Now().UnixNano()
	return stimulusID, nil
}

// RemoveWorker handles a worker permanently leaving the cluster -- lost to a
// crash, reaped by the worker-TTL sweep, or retired -- and drives the §4.7
// recovery protocol: every replica it held is dropped from who_has, and every
// task it was processing either goes back to waiting for rescheduling or, once
// its suspicion count reaches AllowedFailures, is given up on as erred with a
// KilledWorker exception.
func (h *Handlers) RemoveWorker(ctx context.Context, address string) (string, error) {
	stimulusID := newStimulusID()
	status, processing, hadWhat := h.Workers.RemoveWorker(address)
	if status == "already-removed" {
		return stimulusID, nil
	}

	for _, k := range hadWhat {
		if t := h.Store.Get(k); t != nil {
			delete(t.WhoHas, address)
		}
	}

	for _, k := range processing {
		t := h.Store.Get(k)
		if t == nil {
			continue
		}
		t.Suspicious++
		to := taskgraph.Waiting
		if t.Suspicious >= h.AllowedFailures {
			t.Exception = "KilledWorker"
			to = taskgraph.Erred
		}
		if err := h.dispatch(ctx, k, to, stimulusID); err != nil {
			return stimulusID, err
		}
	}
	return stimulusID, nil
}

// TaskFinished records a successful compute result.
func (h *Handlers) TaskFinished(ctx context.Context, key taskgraph.Key, nbytes int64, taskType string) (string, error) {
	stimulusID := newStimulusID()
	t := h.Store.Get(key)
	if t == nil {
		return stimulusID, nil
	}
	t.NBytes = nbytes
	t.Type = taskType
	err := h.dispatch(ctx, key, taskgraph.Memory, stimulusID)
	h.audit(key, taskgraph.Processing, taskgraph.Memory, stimulusID)
	return stimulusID, err
}

// TaskErred records a failed compute attempt. Retries remaining routes the
// task back to released for a retry; otherwise it propagates to erred.
func (h *Handlers) TaskErred(ctx context.Context, key taskgraph.Key, exception, traceback string) (string, error) {
	stimulusID := newStimulusID()
	t := h.Store.Get(key)
	if t == nil {
		return stimulusID, nil
	}
	t.Exception = exception
	t.Traceback = traceback
	if t.Retries > 0 {
		t.Retries--
		return stimulusID, h.dispatch(ctx, key, taskgraph.Released, stimulusID)
	}
	return stimulusID, h.dispatch(ctx, key, taskgraph.Erred, stimulusID)
}

// MissingData handles a worker reporting it no longer has a dependency it was
// expected to hold; the scheduler reruns the producer from its retained
// run_spec if one exists, otherwise the task is unrecoverable.
func (h *Handlers) MissingData(ctx context.Context, key taskgraph.Key, reportedBy string) (string, error) {
	stimulusID := newStimulusID()
	t := h.Store.Get(key)
	if t == nil {
		return stimulusID, nil
	}
	delete(t.WhoHas, reportedBy)
	if w := h.Workers.Get(reportedBy); w != nil {
		delete(w.HasWhat, key)
	}
	if t.InMemory() {
		return stimulusID, nil
	}
	if t.RunSpec == nil {
		t.Exception = "missing-data: no run_spec to recompute scattered key"
		return stimulusID, h.dispatch(ctx, key, taskgraph.Erred, stimulusID)
	}
	if err := h.dispatch(ctx, key, taskgraph.Released, stimulusID); err != nil {
		return stimulusID, err
	}
	return stimulusID, h.dispatch(ctx, key, taskgraph.Processing, stimulusID)
}

// Reschedule forces a processing task back to released, e.g. after a manual
// worker pause, so it can be replaced elsewhere.
func (h *Handlers) Reschedule(ctx context.Context, key taskgraph.Key) (string, error) {
	stimulusID := newStimulusID()
	return stimulusID, h.dispatch(ctx, key, taskgraph.Released, stimulusID)
}

// LongRunning marks a task as having called secede/long-running, excluding it
// from occupancy accounting without changing its state.
func (h *Handlers) LongRunning(key taskgraph.Key) (string, error) {
	stimulusID := newStimulusID()
	t := h.Store.Get(key)
	if t == nil {
		return stimulusID, fmt.Errorf("stimuli: unknown key %s", key)
	}
	if w := h.Workers.Get(t.ProcessingOn); w != nil {
		if d, ok := w.Processing[t.Key]; ok {
			w.Occupancy -= d
			w.Processing[t.Key] = 0
		}
	}
	return stimulusID, nil
}

// AddKeys lets a worker report additional replicas it holds (e.g. after a
// peer-to-peer copy the scheduler did not itself initiate).
func (h *Handlers) AddKeys(address string, keys []taskgraph.Key, nbytes map[taskgraph.Key]int64) (string, error) {
	stimulusID := newStimulusID()
	w := h.Workers.Get(address)
	if w == nil {
		return stimulusID, fmt.Errorf("stimuli: unknown worker %s", address)
	}
	for _, k := range keys {
		t := h.Store.Get(k)
		if t == nil {
			continue
		}
		t.WhoHas[address] = struct{}{}
		if _, already := w.HasWhat[k]; !already {
			w.HasWhat[k] = struct{}{}
			w.NBytes += nbytes[k]
		}
	}
	return stimulusID, nil
}

// ReleaseWorkerData tells a worker to drop replicas it no longer needs (the
// inverse of add-keys), delegating to the data-movement controller.
func (h *Handlers) ReleaseWorkerData(ctx context.Context, address string, keys []taskgraph.Key) (string, error) {
	stimulusID := newStimulusID()
	return stimulusID, h.Mover.DeleteWorkerData(ctx, address, keys)
}

// WorkerStatusChange handles a worker announcing Paused/ClosingGracefully/etc.
// Tasks it was processing are routed back to waiting and, where their
// dependencies allow, placed again at once.
func (h *Handlers) WorkerStatusChange(ctx context.Context, address string, status workerregistry.Status) (string, error) {
	stimulusID := newStimulusID()
	w := h.Workers.Get(address)
	if w == nil {
		return stimulusID, fmt.Errorf("stimuli: unknown worker %s", address)
	}
	w.Status = status
	if status == workerregistry.Running {
		return stimulusID, nil
	}
	var processing []taskgraph.Key
	for k := range w.Processing {
		processing = append(processing, k)
	}
	for _, k := range processing {
		if err := h.dispatch(ctx, k, taskgraph.Waiting, stimulusID); err != nil {
			return stimulusID, err
		}
	}
	return stimulusID, nil
}

// KeepAlive refreshes a worker's liveness without carrying any payload, used
// between heartbeats when nothing else changed.
func (h *Handlers) KeepAlive(address string) (string, error) {
	stimulusID := newStimulusID()
	w := h.Workers.Get(address)
	if w == nil {
		return stimulusID, fmt.Errorf("stimuli: unknown worker %s", address)
	}
	w.LastSeen = time.Now().UnixNano()
	return stimulusID, nil
}
