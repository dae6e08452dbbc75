// Package taskgraph owns the authoritative in-memory graph of tasks: TaskState,
// TaskPrefix, and TaskGroup, along with the store that maintains their invariants.
package taskgraph

import "fmt"

// State is the task lifecycle enum. Exactly the states spec.md §3 and §4.4 name.
type State int

const (
	Released State = iota
	Waiting
	NoWorker
	Processing
	Memory
	Erred
	Forgotten
)

func (s State) String() string {
	switch s {
	case Released:
		return "released"
	case Waiting:
		return "waiting"
	case NoWorker:
		return "no-worker"
	case Processing:
		return "processing"
	case Memory:
		return "memory"
	case Erred:
		return "erred"
	case Forgotten:
		return "forgotten"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Priority is a total order used for scheduling tie-breaks: a client-assigned
// sequence number (High) followed by a per-call submission counter (Low).
// Modeled as a fixed-width struct rather than an opaque tuple so comparisons are
// cheap and deterministic (see SPEC_FULL.md §3.1).
type Priority struct {
	High int64
	Low  int64
}

// Less defines the total order: lower priority sorts first (runs first).
func (p Priority) Less(o Priority) bool {
	if p.High != o.High {
		return p.High < o.High
	}
	return p.Low < o.Low
}

// Key identifies a task. Opaque from the scheduler's perspective; the worker
// attaches whatever meaning it needs (e.g. name-prefix-index encoding).
type Key string

// RunSpec is an opaque serialized callable plus arguments. Absent (nil) for
// scattered data, which cannot be recomputed if its last replica is lost.
type RunSpec []byte

// Restrictions narrows which workers may run a task.
type Restrictions struct {
	Workers  []string
	Hosts    []string
	Resources map[string]float64
	Loose    bool
}

// Task is a single node in the dependency graph.
type Task struct {
	Key          Key
	RunSpec      RunSpec
	Dependencies map[Key]*Task
	Dependents   map[Key]*Task

	Priority Priority
	State    State

	WhoHas       map[string]struct{} // worker addresses holding a replica
	ProcessingOn string              // worker address, "" if not processing

	Restrictions Restrictions

	Retries    int
	Suspicious int

	Exception string
	Traceback string

	NBytes int64 // -1 until known
	Type   string

	Group      *Group
	Prefix     *Prefix
	Annotations map[string]any
}

func newTask(key Key) *Task {
	return &Task{
		Key:          key,
		Dependencies: make(map[Key]*Task),
		Dependents:   make(map[Key]*Task),
		State:        Released,
		WhoHas:       make(map[string]struct{}),
		NBytes:       -1,
	}
}

// InMemory reports whether this task currently has at least one replica.
func (t *Task) InMemory() bool { return len(t.WhoHas) > 0 }

// Prefix groups tasks of the same callable-name class for duration/suspicion statistics.
type Prefix struct {
	Name            string
	StateCounts     map[State]int
	DurationEWMA    float64
	HasEWMA         bool
	SuspiciousTotal int
	TotalBytes      int64
	Groups          map[string]*Group
}

func newPrefix(name string) *Prefix {
	return &Prefix{
		Name:        name,
		StateCounts: make(map[State]int),
		Groups:      make(map[string]*Group),
	}
}

// Group aggregates tasks belonging to one client-submitted graph layer.
type Group struct {
	Name           string
	StateCounts    map[State]int
	Prefix         *Prefix
	TotalBytes     int64
	DependencyGroups map[string]*Group
	Tasks          map[Key]*Task
}

func newGroup(name string, prefix *Prefix) *Group {
	return &Group{
		Name:             name,
		StateCounts:      make(map[State]int),
		Prefix:           prefix,
		DependencyGroups: make(map[string]*Group),
		Tasks:            make(map[Key]*Task),
	}
}

// UnfinishedCount returns the number of tasks in the group not yet in Memory/Erred/Forgotten.
func (g *Group) UnfinishedCount() int {
	n := 0
	for k, c := range g.StateCounts {
		if k == Memory || k == Erred || k == Forgotten {
			continue
		}
		n += c
	}
	return n
}
