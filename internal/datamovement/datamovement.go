// Package datamovement implements the scheduler's replica-management
// operations: gathering a key onto a worker, deleting worker-held replicas,
// rebalancing replicas across workers by a configurable memory measure, and
// retiring workers ahead of planned shutdown (spec.md §4.8).
package datamovement

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmguard/scheduler/internal/egress"
	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

// Controller issues replica-copy and replica-deletion commands and tracks the
// worker-local memory view needed to pick rebalance senders/receivers.
type Controller struct {
	store     *taskgraph.Store
	workers   *workerregistry.Registry
	transport *egress.Transport
	measure   memory.Measure
}

// New constructs a Controller. measure selects which memory.Measure drives
// rebalance's overloaded/underloaded classification (SPEC_FULL.md §9.1 keeps
// this configurable rather than hardcoding Optimistic).
func New(store *taskgraph.Store, workers *workerregistry.Registry, transport *egress.Transport, measure memory.Measure) *Controller {
	return &Controller{store: store, workers: workers, transport: transport, measure: measure}
}

// GatherOnWorker instructs dest to fetch key from any worker that already
// holds it. It returns an error if the key is unknown, if no worker currently
// holds it, or if the instruction cannot be published.
func (c *Controller) GatherOnWorker(ctx context.Context, key taskgraph.Key, dest string) error {
	t := c.store.Get(key)
	if t == nil {
		return fmt.Errorf("datamovement: unknown key %s", key)
	}
	holders := holdersOf(t)
	if len(holders) == 0 {
		return fmt.Errorf("datamovement: no worker holds %s", key)
	}
	if err := c.transport.PublishToWorker(ctx, dest, []egress.Envelope{{
		Kind: "gather-dep",
		Payload: map[string]any{
			"keys":    []string{string(key)},
			"who_has": map[string][]string{string(key): holders},
		},
	}}); err != nil {
		return err
	}

	t.WhoHas[dest] = struct{}{}
	if w := c.workers.Get(dest); w != nil {
		if _, already := w.HasWhat[key]; !already {
			w.HasWhat[key] = struct{}{}
			w.NBytes += t.NBytes
		}
	}
	return nil
}

// DeleteWorkerData instructs worker to drop its replicas of keys and updates
// the task graph's who_has bookkeeping to match.
func (c *Controller) DeleteWorkerData(ctx context.Context, address string, keys []taskgraph.Key) error {
	w := c.workers.Get(address)
	if w == nil {
		return fmt.Errorf("datamovement: unknown worker %s", address)
	}
	for _, k := range keys {
		if _, held := w.HasWhat[k]; held {
			delete(w.HasWhat, k)
			if t := c.store.Get(k); t != nil {
				delete(t.WhoHas, address)
				if t.NBytes > 0 {
					w.NBytes -= t.NBytes
				}
			}
		}
	}
	return c.transport.PublishToWorker(ctx, address, []egress.Envelope{{
		Kind:    "delete-data",
		Payload: map[string]any{"keys": stringKeys(keys)},
	}})
}

// Replicate copies every key in keys from one of its current holders onto
// each of dests, without removing the source replica.
func (c *Controller) Replicate(ctx context.Context, keys []taskgraph.Key, dests []string) error {
	for _, dest := range dests {
		for _, k := range keys {
			if err := c.GatherOnWorker(ctx, k, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rebalance moves replicas from workers above the mean of the configured
// memory measure to workers below it, one key per move. Each move shifts the
// key's NBytes from the sender's to the receiver's projected measure; a sender
// stops once its projection is at or below the mean, and a receiver once its
// projection is at or above it. Keys of unknown size do not change the
// projections (spec.md §4.8 rebalance).
func (c *Controller) Rebalance(ctx context.Context, workerSubset []string) (moved int, err error) {
	workers := c.candidateWorkers(workerSubset)
	if len(workers) < 2 {
		return 0, nil
	}

	mean := c.meanMemory(workers)
	senders := c.aboveMean(workers, mean)
	receivers := c.belowMean(workers, mean)
	if len(senders) == 0 || len(receivers) == 0 {
		return 0, nil
	}

	sort.Slice(senders, func(i, j int) bool { return c.valueOf(senders[i]) > c.valueOf(senders[j]) })
	sort.Slice(receivers, func(i, j int) bool { return c.valueOf(receivers[i]) < c.valueOf(receivers[j]) })

	value := make(map[string]int64, len(workers))
	for _, w := range workers {
		value[w.Address] = c.valueOf(w)
	}

	si, ri := 0, 0
	for si < len(senders) && ri < len(receivers) {
		sender := senders[si]
		receiver := receivers[ri]
		key, ok := pickMovableKey(sender, receiver)
		if !ok {
			si++
			continue
		}
		if err := c.moveReplica(ctx, key, sender.Address, receiver.Address); err != nil {
			return moved, err
		}
		moved++
		if t := c.store.Get(key); t != nil && t.NBytes > 0 {
			value[sender.Address] -= t.NBytes
			value[receiver.Address] += t.NBytes
		}
		if float64(value[sender.Address]) <= mean {
			si++
		}
		if float64(value[receiver.Address]) >= mean {
			ri++
		}
	}
	return moved, nil
}

// RetireWorkers marks each address ClosingGracefully and replicates every key
// it uniquely holds onto a running peer before the caller proceeds to remove
// it, matching spec.md's "retire_workers never drops the last replica of a key".
func (c *Controller) RetireWorkers(ctx context.Context, addresses []string) error {
	running := c.workers.Running()
	for _, addr := range addresses {
		w := c.workers.Get(addr)
		if w == nil {
			continue
		}
		w.Status = workerregistry.ClosingGracefully

		var uniqueKeys []taskgraph.Key
		for k := range w.HasWhat {
			if t := c.store.Get(k); t != nil && len(t.WhoHas) == 1 {
				uniqueKeys = append(uniqueKeys, k)
			}
		}
		if len(uniqueKeys) == 0 {
			continue
		}
		dest := pickReplicationTarget(running, addr)
		if dest == "" {
			return fmt.Errorf("datamovement: no peer available to receive replicas from retiring worker %s", addr)
		}
		if err := c.Replicate(ctx, uniqueKeys, []string{dest}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) candidateWorkers(subset []string) []*workerregistry.Worker {
	if len(subset) == 0 {
		return c.workers.Running()
	}
	var out []*workerregistry.Worker
	for _, addr := range subset {
		if w := c.workers.Get(addr); w != nil && w.IsRunning() {
			out = append(out, w)
		}
	}
	return out
}

func (c *Controller) valueOf(w *workerregistry.Worker) int64 { return w.Memory.Value(c.measure) }

func (c *Controller) meanMemory(workers []*workerregistry.Worker) float64 {
	var total int64
	for _, w := range workers {
		total += c.valueOf(w)
	}
	return float64(total) / float64(len(workers))
}

func (c *Controller) aboveMean(workers []*workerregistry.Worker, mean float64) []*workerregistry.Worker {
	var out []*workerregistry.Worker
	for _, w := range workers {
		if float64(c.valueOf(w)) > mean {
			out = append(out, w)
		}
	}
	return out
}

func (c *Controller) belowMean(workers []*workerregistry.Worker, mean float64) []*workerregistry.Worker {
	var out []*workerregistry.Worker
	for _, w := range workers {
		if float64(c.valueOf(w)) < mean {
			out = append(out, w)
		}
	}
	return out
}

func (c *Controller) moveReplica(ctx context.Context, key taskgraph.Key, from, to string) error {
	if err := c.GatherOnWorker(ctx, key, to); err != nil {
		return err
	}
	return c.DeleteWorkerData(ctx, from, []taskgraph.Key{key})
}

func pickMovableKey(sender *workerregistry.Worker, receiver *workerregistry.Worker) (taskgraph.Key, bool) {
	for k := range sender.HasWhat {
		if _, already := receiver.HasWhat[k]; !already {
			return k, true
		}
	}
	return "", false
}

func pickReplicationTarget(running []*workerregistry.Worker, exclude string) string {
	best := ""
	for _, w := range running {
		if w.Address == exclude || w.Status != workerregistry.Running {
			continue
		}
		if best == "" || w.Address < best {
			best = w.Address
		}
	}
	return best
}

func holdersOf(t *taskgraph.Task) []string {
	out := make([]string, 0, len(t.WhoHas))
	for addr := range t.WhoHas {
		out = append(out, addr)
	}
	return out
}

func stringKeys(keys []taskgraph.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
