package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/oteladapters"
)

const serviceName = "eventstore-cli"

// telemetry owns the OpenTelemetry providers of one command run.
// Metrics stay in process and are read back for the run summary. Traces are exported only with an OTLP endpoint.
type telemetry struct {
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	logger         *oteladapters.SlogBridgeLogger
	metrics        *oteladapters.MetricsCollector
}

func setupTelemetry(ctx context.Context, cfg Config, logOutput io.Writer) (*telemetry, error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}

	t := &telemetry{reader: sdkmetric.NewManualReader()}
	t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(t.reader), sdkmetric.WithResource(res))
	t.metrics = oteladapters.NewMetricsCollector(t.meterProvider.Meter(serviceName))
	t.logger = oteladapters.NewSlogBridgeLoggerWithHandler(newLogHandler(cfg.LogFormat, level, logOutput))

	if cfg.OTLPEndpoint != "" {
		exporter, exporterErr := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if exporterErr != nil {
			_ = t.meterProvider.Shutdown(ctx)
			return nil, exporterErr
		}

		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
	}

	return t, nil
}

func newLogHandler(format string, level slog.Level, output io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.NewJSONHandler(output, options)
	}

	return slog.NewTextHandler(output, options)
}

// eventStoreOptions wires the telemetry into a memengine.EventStore.
func (t *telemetry) eventStoreOptions(cfg Config) []memengine.Option {
	options := []memengine.Option{
		memengine.WithSubscriptionBufferSize(cfg.SubscriptionBufferSize),
		memengine.WithCatchUpPageSize(cfg.CatchUpPageSize),
		memengine.WithContextualLogger(t.logger),
		memengine.WithMetrics(t.metrics),
	}

	if t.tracerProvider != nil {
		options = append(options, memengine.WithTracing(oteladapters.NewTracingCollector(t.tracerProvider.Tracer(serviceName))))
	}

	return options
}

// counterTotals sums every Int64 counter across its label sets.
func (t *telemetry) counterTotals(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	totals := make(map[string]int64)
	for _, scopeMetrics := range rm.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			for _, dataPoint := range sum.DataPoints {
				totals[m.Name] += dataPoint.Value
			}
		}
	}

	return totals, nil
}

func sortedNames(totals map[string]int64) []string {
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (t *telemetry) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if t.tracerProvider != nil {
		err = t.tracerProvider.Shutdown(ctx)
	}

	return errors.Join(err, t.meterProvider.Shutdown(ctx))
}
