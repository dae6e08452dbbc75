// Package lifecycle runs the scheduler's periodic maintenance: idle-worker
// detection, adaptive worker-count targeting, and plugin hooks invoked on
// every transition batch, driven by a robfig/cron scheduler the way this
// lineage's orchestrator service drives its workflow schedules (spec.md §4.10).
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/scheduler/internal/datamovement"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

// Plugin observes every committed transition batch. AddPlugin keys plugins by
// Name and keeps the first one registered under a name; a later plugin with
// the same name is ignored. There is no replace mode and no teardown hook.
type Plugin interface {
	Name() string
	OnTransition(ctx context.Context, key string, from, to string)
}

// Controller owns idle detection, target sizing, and the maintenance cron.
type Controller struct {
	mu      sync.Mutex
	workers *workerregistry.Registry
	mover   *datamovement.Controller
	cron    *cron.Cron

	plugins map[string]Plugin

	idleSince     map[string]time.Time
	idleDebounce  time.Duration
	adaptiveTarget int

	workerTTL       time.Duration
	onWorkerTimeout WorkerTimeoutHandler

	workersRemoved metric.Int64Counter
	tracer         func(string)
}

// WorkerTimeoutHandler is invoked once per worker whose heartbeat has gone
// silent past the configured TTL. internal/sched binds this to
// stimuli.Handlers.RemoveWorker; lifecycle itself only detects the timeout to
// avoid importing back into internal/stimuli.
type WorkerTimeoutHandler func(ctx context.Context, address string)

// Config tunes idle detection and the adaptive target.
type Config struct {
	// IdleDebounce is how long a worker must show zero Processing tasks,
	// observed across two consecutive samples, before it is considered idle
	// (spec.md's "two consecutive idle samples" debounce).
	IdleDebounce time.Duration
	// MinWorkers, when positive, seeds the controller's stored adaptive
	// target. MaxWorkers is not read: AdaptiveTarget takes its bounds as
	// arguments.
	MinWorkers int
	MaxWorkers int
}

// New constructs a Controller with its own cron instance (seconds precision,
// matching the orchestrator lineage's cron.New(cron.WithSeconds())).
func New(workers *workerregistry.Registry, mover *datamovement.Controller, cfg Config, meter metric.Meter) *Controller {
	workersRemoved, _ := meter.Int64Counter("scheduler_lifecycle_workers_removed_total")
	c := &Controller{
		workers:        workers,
		mover:          mover,
		cron:           cron.New(cron.WithSeconds()),
		plugins:        make(map[string]Plugin),
		idleSince:      make(map[string]time.Time),
		idleDebounce:   cfg.IdleDebounce,
		workersRemoved: workersRemoved,
	}
	if cfg.MinWorkers > 0 {
		c.adaptiveTarget = cfg.MinWorkers
	}
	return c
}

// AddPlugin registers a plugin hook. Re-registering the same Name is a no-op.
func (c *Controller) AddPlugin(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.plugins[p.Name()]; exists {
		return
	}
	c.plugins[p.Name()] = p
}

// NotifyTransition fans a committed transition out to every registered plugin.
func (c *Controller) NotifyTransition(ctx context.Context, key string, from, to string) {
	c.mu.Lock()
	plugins := make([]Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		plugins = append(plugins, p)
	}
	c.mu.Unlock()
	for _, p := range plugins {
		p.OnTransition(ctx, key, from, to)
	}
}

// ScheduleIdleCheck registers a recurring idle-worker sweep under cronSpec
// (e.g. "*/30 * * * * *" for every 30 seconds).
func (c *Controller) ScheduleIdleCheck(cronSpec string) error {
	_, err := c.cron.AddFunc(cronSpec, func() {
		c.sweepIdle(context.Background())
	})
	if err != nil {
		return fmt.Errorf("lifecycle: add idle-check schedule: %w", err)
	}
	return nil
}

// ScheduleRebalance registers a recurring rebalance sweep under cronSpec.
func (c *Controller) ScheduleRebalance(cronSpec string) error {
	_, err := c.cron.AddFunc(cronSpec, func() {
		moved, err := c.mover.Rebalance(context.Background(), nil)
		if err != nil {
			slog.Warn("scheduled rebalance failed", "error", err)
			return
		}
		if moved > 0 {
			slog.Info("scheduled rebalance moved replicas", "count", moved)
		}
	})
	if err != nil {
		return fmt.Errorf("lifecycle: add rebalance schedule: %w", err)
	}
	return nil
}

// SetWorkerTimeoutHandler installs the callback ScheduleWorkerTTLCheck invokes
// for each worker found to have exceeded its heartbeat TTL.
func (c *Controller) SetWorkerTimeoutHandler(fn WorkerTimeoutHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWorkerTimeout = fn
}

// ScheduleWorkerTTLCheck registers a recurring sweep under cronSpec that calls
// the registered WorkerTimeoutHandler for every running worker whose last
// heartbeat is older than ttl (spec.md §4.7 failure detection).
func (c *Controller) ScheduleWorkerTTLCheck(cronSpec string, ttl time.Duration) error {
	c.mu.Lock()
	c.workerTTL = ttl
	c.mu.Unlock()
	_, err := c.cron.AddFunc(cronSpec, func() {
		c.sweepExpiredWorkers(context.Background())
	})
	if err != nil {
		return fmt.Errorf("lifecycle: add worker-ttl schedule: %w", err)
	}
	return nil
}

// sweepExpiredWorkers reports every running worker whose last heartbeat is
// older than the configured TTL to the registered timeout handler.
func (c *Controller) sweepExpiredWorkers(ctx context.Context) {
	c.mu.Lock()
	handler := c.onWorkerTimeout
	ttl := c.workerTTL
	c.mu.Unlock()
	if handler == nil || ttl <= 0 {
		return
	}

	now := time.Now()
	for _, w := range c.workers.Workers() {
		if !w.IsRunning() {
			continue
		}
		if now.Sub(time.Unix(0, w.LastSeen)) >= ttl {
			handler(ctx, w.Address)
		}
	}
}

// Start begins the cron scheduler.
func (c *Controller) Start() { c.cron.Start() }

// Stop gracefully stops the cron scheduler, waiting for in-flight jobs.
func (c *Controller) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepIdle marks workers with zero Processing tasks across two consecutive
// sweeps as idle-retirement candidates, per spec.md's idle-debounce rule.
// It does not remove workers; the cron job registered by ScheduleIdleCheck
// discards the returned addresses.
func (c *Controller) sweepIdle(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var idle []string
	for _, w := range c.workers.Workers() {
		if !w.IsRunning() || len(w.Processing) > 0 {
			delete(c.idleSince, w.Address)
			continue
		}
		since, seen := c.idleSince[w.Address]
		if !seen {
			c.idleSince[w.Address] = now
			continue
		}
		if now.Sub(since) >= c.idleDebounce {
			idle = append(idle, w.Address)
		}
	}
	return idle
}

// AdaptiveTarget returns the current desired worker count given backlog,
// clamped to [min,max]. backlog is the count of Waiting+NoWorker tasks.
func (c *Controller) AdaptiveTarget(backlog int, perWorkerCapacity int, minWorkers, maxWorkers int) int {
	if perWorkerCapacity <= 0 {
		perWorkerCapacity = 1
	}
	target := (backlog + perWorkerCapacity - 1) / perWorkerCapacity
	if target < minWorkers {
		target = minWorkers
	}
	if maxWorkers > 0 && target > maxWorkers {
		target = maxWorkers
	}
	return target
}
