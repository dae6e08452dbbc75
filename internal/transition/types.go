// Package transition implements the (from_state, to_state) -> handler table that
// drives every task-state change, replacing dynamic dispatch with an exhaustive,
// compiler-checked table (see SPEC_FULL.md §9 "Design Notes").
package transition

import (
	"errors"
	"fmt"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

// ErrInvalidTransition is returned when no handler exists for (from, to).
var ErrInvalidTransition = errors.New("transition: no handler for this (from, to) pair")

// ErrStateCorruption signals the transition engine detected an invariant
// violation mid-batch. The batch is aborted and the task graph should be
// considered suspect (see spec.md §7 "State corruption").
var ErrStateCorruption = errors.New("transition: state invariant violated")

// ErrBatchTooLarge is returned when a stimulus's follow-on chain exceeds the
// configured bound, guarding against an accidental cycle in the dependents graph.
var ErrBatchTooLarge = errors.New("transition: follow-on chain exceeded transition_counter_max")

// Recommendation is a follow-on transition request produced by a handler,
// processed depth-first after the handler that produced it returns.
type Recommendation struct {
	Key taskgraph.Key
	To  taskgraph.State
}

// Message is an outbound, batched message destined for a worker or client.
// It is queued by handlers and flushed only after the whole stimulus-triggered
// batch commits -- never sent mid-transition (see SPEC_FULL.md §5).
type Message struct {
	ToWorker string
	ToClient string
	Kind     string
	Payload  map[string]any
}

// Result is what a transition handler returns: no direct mutation leaks out except
// through the Store itself, which every handler is given.
type Result struct {
	// ActualTo overrides the requested target state, e.g. when a handler for
	// released->processing discovers no worker is available and redirects to
	// no-worker instead. Nil means "use the state the caller requested".
	ActualTo  *taskgraph.State
	FollowOns []Recommendation
	Messages  []Message
}

// pairKey identifies a (from, to) entry in the handler table.
type pairKey struct {
	From taskgraph.State
	To   taskgraph.State
}

func (p pairKey) String() string {
	return fmt.Sprintf("%s->%s", p.From, p.To)
}
