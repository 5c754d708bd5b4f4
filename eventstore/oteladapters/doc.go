// Package oteladapters implements the eventstore observability interfaces with OpenTelemetry.
//
//	es, err := memengine.NewEventStore(
//		memengine.WithMetrics(oteladapters.NewMetricsCollector(meterProvider.Meter("eventstore"))),
//		memengine.WithTracing(oteladapters.NewTracingCollector(tracerProvider.Tracer("eventstore"))),
//		memengine.WithContextualLogger(oteladapters.NewSlogBridgeLogger("eventstore")),
//	)
package oteladapters
