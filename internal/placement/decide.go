// Package placement implements decide_worker: the deterministic algorithm that
// picks which worker should run a ready task (spec.md §4.5).
package placement

import (
	"sort"

	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

// RestrictionChecker evaluates worker/host/resource restrictions (and the
// scheduler.blocked-handlers policy) as an external policy decision rather than
// inline logic. Implemented by internal/policy.
type RestrictionChecker interface {
	Allows(workerAddress string, r taskgraph.Restrictions) bool
}

// DurationEstimator is the subset of internal/occupancy the placer needs.
type DurationEstimator interface {
	Estimate(t *taskgraph.Task) float64
}

// Config holds the tunable constants named in spec.md §9 ("unprincipled but
// observed") and §6 (scheduler.bandwidth).
type Config struct {
	BandwidthBytesPerSec float64
	RootishMaxDepBytes    int64
	RootishSiblingFactor  int
}

// DefaultConfig matches the constants spec.md carries over from the original
// implementation verbatim (see SPEC_FULL.md §9.1).
func DefaultConfig() Config {
	return Config{
		BandwidthBytesPerSec: 100 * 1e6, // 100MB/s, a conservative LAN estimate
		RootishMaxDepBytes:   5,
		RootishSiblingFactor: 2,
	}
}

// Placer implements decide_worker against a live worker registry.
type Placer struct {
	workers    *workerregistry.Registry
	restrict   RestrictionChecker
	durations  DurationEstimator
	cfg        Config
	totalNThreads func() int
}

// New constructs a Placer. totalNThreads reports the cluster's current total
// thread count, used by the root-task co-scheduling heuristic.
func New(workers *workerregistry.Registry, restrict RestrictionChecker, durations DurationEstimator, cfg Config, totalNThreads func() int) *Placer {
	return &Placer{workers: workers, restrict: restrict, durations: durations, cfg: cfg, totalNThreads: totalNThreads}
}

// Decide implements transition.Placer.
func (p *Placer) Decide(t *taskgraph.Task) (string, bool) {
	candidates := p.candidateSet(t)
	if len(candidates) == 0 {
		if !t.Restrictions.Loose {
			return "", false
		}
		candidates = p.workers.Running()
		candidates = p.filterRestrictions(candidates, t, true)
		if len(candidates) == 0 {
			return "", false
		}
	}

	locality := p.dependencyLocalityCandidates(t, candidates)
	if len(locality) > 0 {
		candidates = locality
	}

	if w, ok := p.rootishChoice(t, candidates); ok {
		return w.Address, true
	}

	best := p.scoreAndPick(t, candidates)
	if best == nil {
		return "", false
	}
	return best.Address, true
}

// candidateSet narrows to workers satisfying restrictions; if the task has no
// restrictions every running worker is a candidate.
func (p *Placer) candidateSet(t *taskgraph.Task) []*workerregistry.Worker {
	all := p.workers.Running()
	return p.filterRestrictions(all, t, false)
}

func (p *Placer) filterRestrictions(workers []*workerregistry.Worker, t *taskgraph.Task, widened bool) []*workerregistry.Worker {
	var out []*workerregistry.Worker
	for _, w := range workers {
		if w.Status != workerregistry.Running {
			continue
		}
		if widened {
			out = append(out, w)
			continue
		}
		if p.restrict != nil && !p.restrict.Allows(w.Address, t.Restrictions) {
			continue
		}
		if !w.Available(t.Restrictions.Resources) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// dependencyLocalityCandidates narrows candidates to workers already holding at
// least one dependency's replica, per step 3 of decide_worker.
func (p *Placer) dependencyLocalityCandidates(t *taskgraph.Task, candidates []*workerregistry.Worker) []*workerregistry.Worker {
	holders := make(map[string]struct{})
	for _, dep := range t.Dependencies {
		for addr := range dep.WhoHas {
			holders[addr] = struct{}{}
		}
	}
	if len(holders) == 0 {
		return nil
	}
	var out []*workerregistry.Worker
	for _, w := range candidates {
		if _, ok := holders[w.Address]; ok {
			out = append(out, w)
		}
	}
	return out
}

// totalDependencyBytes sums the known size of every dependency.
func totalDependencyBytes(t *taskgraph.Task) int64 {
	var total int64
	for _, dep := range t.Dependencies {
		if dep.NBytes > 0 {
			total += dep.NBytes
		}
	}
	return total
}

// rootishChoice implements step 4: concentrate small, many-sibling "root-ish"
// tasks onto the worker already holding the fewest of their group's siblings.
func (p *Placer) rootishChoice(t *taskgraph.Task, candidates []*workerregistry.Worker) (*workerregistry.Worker, bool) {
	if totalDependencyBytes(t) > p.cfg.RootishMaxDepBytes {
		return nil, false
	}
	if t.Group == nil {
		return nil, false
	}
	threshold := p.totalNThreads() * p.cfg.RootishSiblingFactor
	if t.Group.UnfinishedCount() <= threshold {
		return nil, false
	}

	var best *workerregistry.Worker
	bestCount := -1
	for _, w := range candidates {
		if w.Status != workerregistry.Running {
			continue
		}
		count := 0
		for key := range t.Group.Tasks {
			if _, ok := w.HasWhat[key]; ok {
				count++
			}
			if _, ok := w.Processing[key]; ok {
				count++
			}
		}
		if best == nil || count < bestCount || (count == bestCount && w.Occupancy < best.Occupancy) || (count == bestCount && w.Occupancy == best.Occupancy && w.Address < best.Address) {
			best = w
			bestCount = count
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// scoreAndPick implements step 5/6/7: minimize occupancy + transfer cost, with
// deterministic tie-breaks, skipping paused/closing_gracefully workers.
func (p *Placer) scoreAndPick(t *taskgraph.Task, candidates []*workerregistry.Worker) *workerregistry.Worker {
	type scored struct {
		w     *workerregistry.Worker
		score float64
	}
	var all []scored
	for _, w := range candidates {
		if w.Status == workerregistry.Paused || w.Status == workerregistry.ClosingGracefully {
			continue
		}
		all = append(all, scored{w: w, score: p.transferScore(t, w)})
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		if all[i].w.NBytes != all[j].w.NBytes {
			return all[i].w.NBytes < all[j].w.NBytes
		}
		return all[i].w.Address < all[j].w.Address
	})
	return all[0].w
}

func (p *Placer) transferScore(t *taskgraph.Task, w *workerregistry.Worker) float64 {
	var missingBytes int64
	for _, dep := range t.Dependencies {
		if _, ok := w.HasWhat[dep.Key]; !ok {
			missingBytes += maxInt64(dep.NBytes, 0)
		}
	}
	transferCost := float64(missingBytes) / p.cfg.BandwidthBytesPerSec
	return w.Occupancy + transferCost
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
