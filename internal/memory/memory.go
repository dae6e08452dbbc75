// Package memory implements the scheduler's worker memory accounting model:
// a pure, additive value type distinguishing managed, spilled, and unmanaged bytes.
package memory

// State is an immutable snapshot of a worker's memory usage as reported on a heartbeat,
// or the field-wise sum of many such snapshots (the cluster-wide total).
//
// Process is the RSS reported by the worker process. ManagedInMemory is the sum of
// nbytes for every task replica the worker currently holds in RAM. ManagedSpilled is
// bytes the worker's own data store reports as spilled to disk -- it is taken at face
// value and never derived here (see the "managed_spilled vs process measurement"
// open question). UnmanagedOld is the unmanaged-memory baseline from the *previous*
// reporting window, used to separate a persistent leak from short-lived allocation churn.
type State struct {
	Process          int64
	ManagedInMemory  int64
	ManagedSpilled   int64
	UnmanagedOld     int64
}

// New constructs a State, clamping ManagedInMemory to never exceed Process -- a worker
// reporting more managed bytes than its own RSS is a measurement race, not a fact about
// the world, and get silently reconciled in the scheduler's favor rather than propagated.
// Negative inputs are raised to zero, and UnmanagedOld is capped at the unmanaged total
// (Process - ManagedInMemory), so Optimistic() + UnmanagedRecent() == Process whenever
// Process is non-negative.
func New(process, managedInMemory, managedSpilled, unmanagedOld int64) State {
	if managedInMemory > process {
		managedInMemory = process
	}
	if managedInMemory < 0 {
		managedInMemory = 0
	}
	if managedSpilled < 0 {
		managedSpilled = 0
	}
	if unmanagedOld < 0 {
		unmanagedOld = 0
	}
	if unmanaged := process - managedInMemory; unmanagedOld > unmanaged {
		unmanagedOld = unmanaged
		if unmanagedOld < 0 {
			unmanagedOld = 0
		}
	}
	return State{
		Process:         process,
		ManagedInMemory: managedInMemory,
		ManagedSpilled:  managedSpilled,
		UnmanagedOld:    unmanagedOld,
	}
}

// Managed is the total bytes the scheduler considers accounted for by task results,
// whether resident or spilled.
func (s State) Managed() int64 { return s.ManagedInMemory + s.ManagedSpilled }

// Unmanaged is everything the process holds that isn't an accounted task replica:
// runtime overhead, fragmentation, buffers.
func (s State) Unmanaged() int64 {
	u := s.Process - s.ManagedInMemory
	if u < 0 {
		return 0
	}
	return u
}

// UnmanagedRecent is the portion of Unmanaged that appeared since the last window --
// the part worth watching for leaks, as opposed to a stable baseline.
func (s State) UnmanagedRecent() int64 {
	r := s.Unmanaged() - s.UnmanagedOld
	if r < 0 {
		return 0
	}
	return r
}

// Optimistic is the memory estimate used for rebalance/retire decisions when the
// caller wants to ignore recent, possibly-transient unmanaged growth.
func (s State) Optimistic() int64 {
	return s.ManagedInMemory + s.UnmanagedOld
}

// Add returns the field-wise sum of two memory snapshots. Used to aggregate a
// cluster-wide total across all live workers.
func (s State) Add(o State) State {
	return State{
		Process:         s.Process + o.Process,
		ManagedInMemory: s.ManagedInMemory + o.ManagedInMemory,
		ManagedSpilled:  s.ManagedSpilled + o.ManagedSpilled,
		UnmanagedOld:    s.UnmanagedOld + o.UnmanagedOld,
	}
}

// Sum aggregates any number of snapshots, returning the zero State for an empty input.
func Sum(states ...State) State {
	var total State
	for _, s := range states {
		total = total.Add(s)
	}
	return total
}

// Measure selects one of the named measures used by the rebalance/retire config key
// worker.memory.rebalance.measure.
type Measure string

const (
	MeasureProcess         Measure = "process"
	MeasureOptimistic      Measure = "optimistic"
	MeasureManaged         Measure = "managed"
	MeasureManagedInMemory Measure = "managed_in_memory"
)

// Value extracts the configured measure from a snapshot.
func (s State) Value(m Measure) int64 {
	switch m {
	case MeasureProcess:
		return s.Process
	case MeasureOptimistic:
		return s.Optimistic()
	case MeasureManaged:
		return s.Managed()
	case MeasureManagedInMemory:
		return s.ManagedInMemory
	default:
		return s.Process
	}
}
