// Package sched assembles every scheduler component into one runnable
// process, the way this lineage's orchestrator main.go wires its store,
// DAG engine, and cron scheduler together.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/scheduler/internal/clientregistry"
	"github.com/swarmguard/scheduler/internal/config"
	"github.com/swarmguard/scheduler/internal/datamovement"
	"github.com/swarmguard/scheduler/internal/egress"
	"github.com/swarmguard/scheduler/internal/ingress"
	"github.com/swarmguard/scheduler/internal/lifecycle"
	"github.com/swarmguard/scheduler/internal/memory"
	"github.com/swarmguard/scheduler/internal/nanny"
	"github.com/swarmguard/scheduler/internal/occupancy"
	"github.com/swarmguard/scheduler/internal/persistence"
	"github.com/swarmguard/scheduler/internal/placement"
	"github.com/swarmguard/scheduler/internal/policy"
	"github.com/swarmguard/scheduler/internal/stimuli"
	"github.com/swarmguard/scheduler/internal/taskgraph"
	"github.com/swarmguard/scheduler/internal/transition"
	"github.com/swarmguard/scheduler/internal/workerregistry"
)

// Scheduler is the fully wired process: every component named in
// SPEC_FULL.md §2 reachable from one struct.
type Scheduler struct {
	cfg config.Config

	Store   *taskgraph.Store
	Workers *workerregistry.Registry
	Clients *clientregistry.Registry

	Placement *placement.Placer
	Occupancy *occupancy.Model
	Policy    *policy.Engine
	Engine    *transition.Engine

	Transport *egress.Transport
	Mover     *datamovement.Controller
	Lifecycle *lifecycle.Controller
	Audit     *persistence.AuditStore
	Handlers  *stimuli.Handlers
	HTTP      *ingress.Server

	nc *nats.Conn
}

// rebalanceMeasure maps the config string onto memory.Measure.
func rebalanceMeasure(s string) memory.Measure {
	switch s {
	case "process":
		return memory.MeasureProcess
	case "managed":
		return memory.MeasureManaged
	case "managed_in_memory":
		return memory.MeasureManagedInMemory
	default:
		return memory.MeasureOptimistic
	}
}

// New assembles every component. The caller owns starting/stopping the
// lifecycle cron and the HTTP server.
func New(ctx context.Context, cfg config.Config, meter metric.Meter, tracer trace.Tracer) (*Scheduler, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("sched: connect nats: %w", err)
	}

	store := taskgraph.NewStore(100000)
	workers := workerregistry.NewRegistry()
	clients := clientregistry.NewRegistry(cfg.ClientCleanupDelay)

	policyEngine, err := policy.New(ctx, cfg.PolicyDir, meter, tracer)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("sched: init policy engine: %w", err)
	}
	if err := policyEngine.WatchAndReload(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("sched: watch policy dir: %w", err)
	}

	occModel := occupancy.New(occupancy.DefaultConfig())
	totalNThreads := func() int {
		total := 0
		for _, w := range workers.Running() {
			total += w.NThreads
		}
		return total
	}
	placementCfg := placement.DefaultConfig()
	placementCfg.BandwidthBytesPerSec = cfg.BandwidthBytesPerSec
	placer := placement.New(workers, policyEngine, occModel, placementCfg, totalNThreads)

	transitionCtx := &transition.Context{
		Store:           store,
		Workers:         workers,
		Placer:          placer,
		Durations:       occModel,
		AllowedFailures: cfg.AllowedFailures,
	}
	engine := transition.NewEngine(transitionCtx, cfg.TransitionMaxBatch)

	transport := egress.New(nc)
	mover := datamovement.New(store, workers, transport, rebalanceMeasure(cfg.RebalanceMeasure))

	audit, err := persistence.Open(cfg.AuditDBPath, meter)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("sched: open audit store: %w", err)
	}

	lifecycleCtl := lifecycle.New(workers, mover, lifecycle.Config{IdleDebounce: cfg.IdleDebounce}, meter)
	if err := lifecycleCtl.ScheduleIdleCheck(cfg.IdleCheckCron); err != nil {
		return nil, err
	}
	if err := lifecycleCtl.ScheduleRebalance(cfg.RebalanceCron); err != nil {
		return nil, err
	}
	if err := lifecycleCtl.ScheduleWorkerTTLCheck(cfg.WorkerTTLCheckCron, cfg.WorkerTimeout); err != nil {
		return nil, err
	}

	handlers := &stimuli.Handlers{
		Store:           store,
		Workers:         workers,
		Clients:         clients,
		Engine:          engine,
		Policy:          policyEngine,
		Transport:       transport,
		Mover:           mover,
		Lifecycle:       lifecycleCtl,
		Audit:           audit,
		Nannies:         make(map[string]*nanny.Client),
		AllowedFailures: cfg.AllowedFailures,
	}
	lifecycleCtl.SetWorkerTimeoutHandler(func(ctx context.Context, address string) {
		if _, err := handlers.RemoveWorker(ctx, address); err != nil {
			slog.Warn("worker-ttl removal failed", "worker", address, "error", err)
		}
	})

	httpServer := ingress.NewServer(handlers, meter)

	return &Scheduler{
		cfg:       cfg,
		Store:     store,
		Workers:   workers,
		Clients:   clients,
		Placement: placer,
		Occupancy: occModel,
		Policy:    policyEngine,
		Engine:    engine,
		Transport: transport,
		Mover:     mover,
		Lifecycle: lifecycleCtl,
		Audit:     audit,
		Handlers:  handlers,
		HTTP:      httpServer,
		nc:        nc,
	}, nil
}

// Start begins the lifecycle cron. The HTTP server is started by the caller
// (cmd/scheduler) so it can share one http.Server/signal-driven shutdown path.
func (s *Scheduler) Start() { s.Lifecycle.Start() }

// Close stops the lifecycle cron, closes every nanny client, the audit
// store, and the NATS connection, in that order.
func (s *Scheduler) Close(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.Lifecycle.Stop(stopCtx)
	for _, n := range s.Handlers.Nannies {
		_ = n.Close()
	}
	err := s.Audit.Close()
	s.nc.Close()
	return err
}
