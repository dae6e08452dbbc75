package taskgraph

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is one row of the transition log, grounded on the append-only,
// hash-chained style of the audit log this repo's sibling services use, but kept
// purely in memory here -- the scheduler never reconstructs state from it (see
// SPEC_FULL.md §1 Non-goals).
type LogEntry struct {
	Seq        uint64
	Key        Key
	From       State
	To         State
	StimulusID string
	Timestamp  time.Time
}

// Store owns every Task, Prefix, and Group and maintains the bidirectional
// dependency/dependent and who_has/has_what invariants described in spec.md §3.
type Store struct {
	mu sync.RWMutex

	tasks   map[Key]*Task
	prefixes map[string]*Prefix

	log    []LogEntry
	logSeq uint64
	logMax int

	// wantedBy tracks, per task, the set of client ids keeping it alive.
	wantedBy map[Key]map[string]struct{}
}

// NewStore constructs an empty graph store. logMax bounds the in-memory
// transition log (ring-buffer semantics); 0 means unbounded.
func NewStore(logMax int) *Store {
	return &Store{
		tasks:    make(map[Key]*Task),
		prefixes: make(map[string]*Prefix),
		wantedBy: make(map[Key]map[string]struct{}),
		logMax:   logMax,
	}
}

// keySplit derives a task's prefix name: everything before the first "-",
// matching the convention used throughout the original distributed scheduler.
func keySplit(key Key) string {
	s := string(key)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

// Get returns the task for key, or nil if it does not exist.
func (s *Store) Get(key Key) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[key]
}

// Tasks returns a snapshot slice of all known tasks. Used by diagnostics and tests.
func (s *Store) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Store) prefixFor(name string) *Prefix {
	p, ok := s.prefixes[name]
	if !ok {
		p = newPrefix(name)
		s.prefixes[name] = p
	}
	return p
}

// NewTask creates a task in Released state if it does not already exist, wiring
// dependencies (creating missing dependency tasks in Released too) and inserting
// it into its prefix/group. groupName identifies the client-submitted graph layer;
// if empty, the prefix name is used as the group name (single-layer submission).
func (s *Store) NewTask(key Key, runSpec RunSpec, deps []Key, groupName string, prio Priority) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTaskLocked(key, runSpec, deps, groupName, prio)
}

func (s *Store) newTaskLocked(key Key, runSpec RunSpec, deps []Key, groupName string, prio Priority) *Task {
	if existing, ok := s.tasks[key]; ok {
		return existing
	}
	t := newTask(key)
	t.RunSpec = runSpec
	t.Priority = prio
	s.tasks[key] = t

	prefixName := keySplit(key)
	prefix := s.prefixFor(prefixName)
	t.Prefix = prefix
	prefix.StateCounts[Released]++

	if groupName == "" {
		groupName = prefixName
	}
	group, ok := prefix.Groups[groupName]
	if !ok {
		group = newGroup(groupName, prefix)
		prefix.Groups[groupName] = group
	}
	t.Group = group
	group.Tasks[key] = t
	group.StateCounts[Released]++

	for _, depKey := range deps {
		dep, ok := s.tasks[depKey]
		if !ok {
			dep = s.newTaskLocked(depKey, nil, nil, "", prio)
		}
		t.Dependencies[depKey] = dep
		dep.Dependents[key] = t
		if dep.Group != nil && t.Group != nil && dep.Group != t.Group {
			t.Group.DependencyGroups[dep.Group.Name] = dep.Group
		}
	}
	return t
}

// Want marks clientID as wanting to keep key alive.
func (s *Store) Want(clientID string, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.wantedBy[key]
	if !ok {
		m = make(map[string]struct{})
		s.wantedBy[key] = m
	}
	m[clientID] = struct{}{}
}

// Unwant removes clientID's hold on key.
func (s *Store) Unwant(clientID string, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.wantedBy[key]; ok {
		delete(m, clientID)
		if len(m) == 0 {
			delete(s.wantedBy, key)
		}
	}
}

// IsWanted reports whether any client currently wants key kept alive.
func (s *Store) IsWanted(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.wantedBy[key]) > 0
}

// Forgettable reports whether a task may be forgotten: no client wants it, it has
// no replica, and every dependent is erred, forgotten, or already gone.
func (s *Store) Forgettable(t *Task) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forgettableLocked(t)
}

func (s *Store) forgettableLocked(t *Task) bool {
	if len(t.WhoHas) > 0 {
		return false
	}
	if len(s.wantedBy[t.Key]) > 0 {
		return false
	}
	for _, dep := range t.Dependents {
		if dep.State != Erred && dep.State != Forgotten {
			return false
		}
	}
	return true
}

// Cull removes every task not transitively required by keysWanted and not held
// directly by a client, without ever touching the log (culled tasks never ran).
func (s *Store) Cull(keysWanted []Key) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[Key]bool)
	var mark func(Key)
	mark = func(k Key) {
		if keep[k] {
			return
		}
		keep[k] = true
		if t, ok := s.tasks[k]; ok {
			for dk := range t.Dependencies {
				mark(dk)
			}
		}
	}
	for k := range s.wantedBy {
		mark(k)
	}
	for _, k := range keysWanted {
		mark(k)
	}

	var culled []Key
	for k := range s.tasks {
		if !keep[k] {
			culled = append(culled, k)
		}
	}
	for _, k := range culled {
		s.forgetLocked(s.tasks[k])
	}
	return culled
}

// Forget removes a task from the graph. Precondition: WhoHas is empty, every
// dependent is erred or forgotten, and no client wants it (see Forgettable).
func (s *Store) Forget(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.forgettableLocked(t) {
		return fmt.Errorf("taskgraph: cannot forget %s: still referenced", t.Key)
	}
	s.forgetLocked(t)
	return nil
}

func (s *Store) forgetLocked(t *Task) {
	if t == nil {
		return
	}
	prevState := t.State
	for dk, dep := range t.Dependencies {
		delete(dep.Dependents, t.Key)
		_ = dk
	}
	for dk, dep := range t.Dependents {
		delete(dep.Dependencies, t.Key)
		_ = dk
	}
	if t.Group != nil {
		t.Group.StateCounts[prevState]--
		t.Group.StateCounts[Forgotten]++
		delete(t.Group.Tasks, t.Key)
		if len(t.Group.Tasks) == 0 && t.Prefix != nil {
			delete(t.Prefix.Groups, t.Group.Name)
		}
	}
	if t.Prefix != nil {
		t.Prefix.StateCounts[prevState]--
		t.Prefix.StateCounts[Forgotten]++
	}
	t.State = Forgotten
	delete(s.tasks, t.Key)
	delete(s.wantedBy, t.Key)
}

// AppendLog records a transition in the bounded in-memory ring buffer.
func (s *Store) AppendLog(key Key, from, to State, stimulusID string) LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	entry := LogEntry{Seq: s.logSeq, Key: key, From: from, To: to, StimulusID: stimulusID, Timestamp: time.Now()}
	s.log = append(s.log, entry)
	if s.logMax > 0 && len(s.log) > s.logMax {
		s.log = s.log[len(s.log)-s.logMax:]
	}
	return entry
}

// Story returns every transition-log entry mentioning any of the given keys, in
// the order they were recorded.
func (s *Store) Story(keys ...Key) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []LogEntry
	for _, e := range s.log {
		if want[e.Key] {
			out = append(out, e)
		}
	}
	return out
}

// SetState transitions t.State, keeping the prefix/group histograms in sync.
// Callers (the transition engine) are responsible for validating the transition
// itself; this only performs the bookkeeping side effect.
func (s *Store) SetState(t *Task, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := t.State
	if from == to {
		return
	}
	if t.Prefix != nil {
		t.Prefix.StateCounts[from]--
		t.Prefix.StateCounts[to]++
	}
	if t.Group != nil {
		t.Group.StateCounts[from]--
		t.Group.StateCounts[to]++
	}
	t.State = to
}
