// Package occupancy implements the per-task duration estimate and per-worker
// occupancy bookkeeping described in spec.md §4.6.
package occupancy

import (
	"sync"

	"github.com/swarmguard/scheduler/internal/taskgraph"
)

// Config carries the two configuration keys the model falls back to when a
// prefix has no observed duration yet.
type Config struct {
	DefaultTaskDurations map[string]float64
	UnknownTaskDuration  float64
	EWMAAlpha            float64
}

// DefaultConfig matches the original implementation's conservative defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTaskDurations: map[string]float64{},
		UnknownTaskDuration:  0.5,
		EWMAAlpha:            0.3,
	}
}

// Model maintains a per-prefix exponentially weighted moving average of
// observed task durations.
type Model struct {
	mu  sync.Mutex
	cfg Config

	ewma    map[string]float64
	hasEWMA map[string]bool

	// unknownDurations tracks prefixes with no observation yet, so the first
	// real observation can be broadcast to every pending task of that prefix
	// by the caller (the stimulus layer owns that fan-out).
	unknownDurations map[string]int
}

// New constructs a duration model.
func New(cfg Config) *Model {
	return &Model{
		cfg:              cfg,
		ewma:             make(map[string]float64),
		hasEWMA:          make(map[string]bool),
		unknownDurations: make(map[string]int),
	}
}

func keySplit(key taskgraph.Key) string {
	s := string(key)
	for i, c := range s {
		if c == '-' {
			return s[:i]
		}
	}
	return s
}

// Estimate implements transition.DurationModel / placement.DurationEstimator.
func (m *Model) Estimate(t *taskgraph.Task) float64 {
	prefix := keySplit(t.Key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.ewma[prefix]; ok {
		return d
	}
	if d, ok := m.cfg.DefaultTaskDurations[prefix]; ok {
		return d
	}
	m.unknownDurations[prefix]++
	return m.cfg.UnknownTaskDuration
}

// Observe records an actual completed-task duration, updating the prefix's EWMA.
func (m *Model) Observe(prefix string, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasEWMA[prefix] {
		m.ewma[prefix] = seconds
		m.hasEWMA[prefix] = true
	} else {
		alpha := m.cfg.EWMAAlpha
		m.ewma[prefix] = alpha*seconds + (1-alpha)*m.ewma[prefix]
	}
	delete(m.unknownDurations, prefix)
}

// PendingUnknown reports prefixes awaiting their first observation, and how
// many tasks of that prefix were estimated with the unknown-task-duration
// fallback -- used by the stimulus layer to know which pending tasks to
// re-broadcast a duration update to once one arrives.
func (m *Model) PendingUnknown() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.unknownDurations))
	for k, v := range m.unknownDurations {
		out[k] = v
	}
	return out
}
