// Package workerregistry owns WorkerState: the scheduler's view of each connected
// worker process, its resources, its replicas, and its liveness.
package workerregistry

import (
	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/taskgraph"
)

// Status mirrors the worker process lifecycle as observed by the scheduler.
type Status int

const (
	Init Status = iota
	Running
	Paused
	ClosingGracefully
	Closing
	Closed
	Failed
)

func (s Status) String() string {
	switch s {
	case Init:
		return "init"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case ClosingGracefully:
		return "closing_gracefully"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Worker is the scheduler's record of one connected worker process.
type Worker struct {
	Address string
	Name    any
	Status  Status

	NThreads int
	Resources     map[string]float64
	UsedResources map[string]float64

	// Processing maps a task to its estimated remaining cost in seconds.
	Processing map[taskgraph.Key]float64
	HasWhat    map[taskgraph.Key]struct{}

	Occupancy float64
	NBytes    int64

	Memory memory.State

	LastSeen   int64 // unix nanos, from the scheduler's wall clock (time.Now)
	Versions   map[string]string
	HeartbeatSeq *clock
}

func newWorker(address string, name any, nthreads int, resources map[string]float64, versions map[string]string) *Worker {
	return &Worker{
		Address:       address,
		Name:          name,
		Status:        Init,
		NThreads:      nthreads,
		Resources:     resources,
		UsedResources: make(map[string]float64),
		Processing:    make(map[taskgraph.Key]float64),
		HasWhat:       make(map[taskgraph.Key]struct{}),
		Versions:      versions,
		HeartbeatSeq:  newClock(address),
	}
}

// IsRunning reports whether the placement engine may assign new work to this worker.
func (w *Worker) IsRunning() bool { return w.Status == Running }

// Available reports whether resource demand can be satisfied given current reservations.
func (w *Worker) Available(demand map[string]float64) bool {
	for name, need := range demand {
		total, ok := w.Resources[name]
		if !ok {
			return false
		}
		if w.UsedResources[name]+need > total {
			return false
		}
	}
	return true
}

// ClearOccupancyIfEmpty snaps a residual Occupancy to exactly zero once no task is
// processing, guarding against float drift accumulated across many small updates
// (see SPEC_FULL.md §4.6 and the 1e-2s tolerance decided in §9.1).
func (w *Worker) ClearOccupancyIfEmpty() {
	if len(w.Processing) == 0 {
		if w.Occupancy < 0 || w.Occupancy < 1e-2 {
			w.Occupancy = 0
		}
	}
}
