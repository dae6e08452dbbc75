package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the instruments shared across scheduler components.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	Transitions            metric.Int64Counter
	PlacementDecisions     metric.Int64Counter
	PlacementLatency       metric.Float64Histogram
	WorkersRemoved         metric.Int64Counter
	TasksRescheduled       metric.Int64Counter
	RebalanceMoves         metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a shutdown func,
// an optional Prometheus-compatible handler, and the common instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler any, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, nil, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("swarmguard-scheduler")
	retry, _ := meter.Int64Counter("scheduler_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("scheduler_resilience_circuit_open_total")
	transitions, _ := meter.Int64Counter("scheduler_transitions_total")
	placements, _ := meter.Int64Counter("scheduler_placement_decisions_total")
	placementLatency, _ := meter.Float64Histogram("scheduler_placement_latency_seconds")
	workersRemoved, _ := meter.Int64Counter("scheduler_workers_removed_total")
	rescheduled, _ := meter.Int64Counter("scheduler_tasks_rescheduled_total")
	rebalanceMoves, _ := meter.Int64Counter("scheduler_rebalance_moves_total")
	return Metrics{
		RetryAttempts:          retry,
		CircuitOpenTransitions: circuit,
		Transitions:            transitions,
		PlacementDecisions:     placements,
		PlacementLatency:       placementLatency,
		WorkersRemoved:         workersRemoved,
		TasksRescheduled:       rescheduled,
		RebalanceMoves:         rebalanceMoves,
	}
}
