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

// Metrics holds the common instruments shared by the Scheduler and
// Pusher loops: tick outcomes, dispatch counts, and resilience signals.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	TasksDispatched  metric.Int64Counter
	TasksSynced      metric.Int64Counter
	RetryAttempts    metric.Int64Counter
	CircuitOpenCount metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push-based, 10s
// period). On failure it logs a warning and still returns usable
// (no-op-backed) instruments so callers never need nil checks.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
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
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("taskflow")
	tick, _ := meter.Float64Histogram("taskflow_tick_duration_seconds")
	dispatched, _ := meter.Int64Counter("taskflow_tasks_dispatched_total")
	synced, _ := meter.Int64Counter("taskflow_tasks_synced_total")
	retry, _ := meter.Int64Counter("taskflow_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("taskflow_resilience_circuit_open_total")
	cacheHits, _ := meter.Int64Counter("taskflow_push_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskflow_push_cache_misses_total")
	return Metrics{
		TickDuration:     tick,
		TasksDispatched:  dispatched,
		TasksSynced:      synced,
		RetryAttempts:    retry,
		CircuitOpenCount: circuit,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
	}
}
