package transition

import (
	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

// Placer is implemented by internal/placement; kept as an interface here so the
// transition engine does not import the placement package (placement in turn
// depends on taskgraph/workerregistry, not on transition).
type Placer interface {
	Decide(t *taskgraph.Task) (address string, ok bool)
}

// DurationModel is implemented by internal/occupancy.
type DurationModel interface {
	Estimate(t *taskgraph.Task) float64
	Observe(prefixName string, seconds float64)
}

// Context bundles everything a transition handler needs. One Context is shared
// by every handler invoked within a single stimulus batch.
type Context struct {
	Store     *taskgraph.Store
	Workers   *workerregistry.Registry
	Placer    Placer
	Durations DurationModel

	AllowedFailures int
}
