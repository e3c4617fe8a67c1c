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

// Metrics holds a set of run/task lifecycle instruments created on the
// module-wide "prompter" meter and returned by InitMetrics.
type Metrics struct {
	TaskAttempts      metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	StateWriteLatency metric.Float64Histogram
	CircuitOpenTotal  metric.Int64Counter
	RetryAttempts     metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter. A collector that
// cannot be reached degrades to a no-op shutdown plus live (but
// unexported) instruments, so callers always get a usable Metrics.
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
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("prompter")
	attempts, _ := meter.Int64Counter("prompter_task_attempts_total")
	duration, _ := meter.Float64Histogram("prompter_task_duration_seconds")
	stateWrite, _ := meter.Float64Histogram("prompter_state_write_seconds")
	circuit, _ := meter.Int64Counter("prompter_circuit_open_total")
	retry, _ := meter.Int64Counter("prompter_retry_attempts_total")
	return Metrics{
		TaskAttempts:      attempts,
		TaskDuration:      duration,
		StateWriteLatency: stateWrite,
		CircuitOpenTotal:  circuit,
		RetryAttempts:     retry,
	}
}
