package transition

import (
	"fmt"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

// Handler implements one (from, to) cell of the transition table.
type Handler func(ctx *Context, t *taskgraph.Task, stimulusID string) (Result, error)

// Engine dispatches transitions through the (from, to) -> Handler table and
// applies follow-on recommendations depth-first within a single stimulus batch,
// matching the "no suspension between entering a batch and flushing it" rule.
type Engine struct {
	ctx      *Context
	table    map[pairKey]Handler
	maxBatch int
}

// NewEngine builds the full transition table. maxBatch bounds the follow-on
// chain length for one stimulus (0 = unbounded); it exists to turn an
// accidental cycle in the dependents graph into a clean error instead of a hang.
func NewEngine(ctx *Context, maxBatch int) *Engine {
	e := &Engine{ctx: ctx, maxBatch: maxBatch}
	e.table = buildTable()
	return e
}

// Transition applies the requested (key -> to) change and every follow-on it
// recommends, returning the combined outbound message batch. On error, the
// caller (the stimulus layer) must treat the whole batch as not-applied: no
// partial state should be assumed consistent (see spec.md §7).
func (e *Engine) Transition(key taskgraph.Key, to taskgraph.State, stimulusID string) ([]Message, error) {
	stack := []Recommendation{{Key: key, To: to}}
	var messages []Message
	count := 0
	for len(stack) > 0 {
		rec := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count++
		if e.maxBatch > 0 && count > e.maxBatch {
			return nil, ErrBatchTooLarge
		}

		t := e.ctx.Store.Get(rec.Key)
		if t == nil {
			continue // already forgotten; a stale follow-on is not an error
		}
		from := t.State
		if from == rec.To {
			continue
		}

		handler, ok := e.table[pairKey{From: from, To: rec.To}]
		if !ok {
			return nil, fmt.Errorf("%w: %s (key=%s)", ErrInvalidTransition, pairKey{From: from, To: rec.To}, t.Key)
		}

		result, err := handler(e.ctx, t, stimulusID)
		if err != nil {
			return nil, err
		}

		actual := rec.To
		if result.ActualTo != nil {
			actual = *result.ActualTo
		}
		e.ctx.Store.SetState(t, actual)
		e.ctx.Store.AppendLog(t.Key, from, actual, stimulusID)
		messages = append(messages, result.Messages...)

		for i := len(result.FollowOns) - 1; i >= 0; i-- {
			stack = append(stack, result.FollowOns[i])
		}
	}
	return messages, nil
}
