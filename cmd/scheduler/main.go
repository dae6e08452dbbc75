// Command scheduler runs the distributed task scheduler process: the
// process entrypoint wiring logging, tracing, metrics, and graceful
// shutdown the way this lineage's orchestrator and api-gateway services do
// (see SPEC_FULL.md §6).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/scheduler/internal/config"
	"github.com/swarmguard/scheduler/internal/logging"
	"github.com/swarmguard/scheduler/internal/otelinit"
	"github.com/swarmguard/scheduler/internal/sched"
)

func main() {
	service := "scheduler"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)
	tracer := otel.Tracer(service)

	cfg := config.Load()

	s, err := sched.New(ctx, cfg, meter, tracer)
	if err != nil {
		slog.Error("scheduler init failed", "error", err)
		return
	}
	s.Start()

	mux := s.HTTP.Mux()
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ingress server error", "error", err)
			cancel()
		}
	}()

	slog.Info("scheduler started", "addr", cfg.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := s.Close(shutdownCtx); err != nil {
		slog.Warn("scheduler close error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
