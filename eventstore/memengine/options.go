package memengine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

const (
	// DefaultSubscriptionBufferSize is the live queue capacity of a subscription unless configured otherwise.
	DefaultSubscriptionBufferSize = 1024

	// DefaultCatchUpPageSize is the number of historical events a subscription reads per catch-up step.
	DefaultCatchUpPageSize = 256
)

var (
	ErrNilIDGenerator  = errors.New("id generator must not be nil")
	ErrNilClock        = errors.New("clock must not be nil")
	ErrInvalidPageSize = errors.New("catch-up page size must be positive")
)

// IDGenerator produces the ID of each appended event.
type IDGenerator func() (uuid.UUID, error)

// Clock produces the RecordedAt timestamp of each append.
type Clock func() time.Time

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore) error

// WithLogger sets the logger for the EventStore.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: per-operation details with timing (development use)
// Info level: event counts, durations, subscription lifecycle (production-safe)
// Warn level: concurrency conflicts and subscription overruns
// Error level: failing collaborators that abort an append.
func WithLogger(logger eventstore.Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the EventStore.
// It receives the same messages as the Logger, together with the operation's context for trace correlation.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(es *EventStore) error {
		es.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the EventStore.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(es *EventStore) error {
		es.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the EventStore.
func WithTracing(collector eventstore.TracingCollector) Option {
	return func(es *EventStore) error {
		es.tracingCollector = collector
		return nil
	}
}

// WithSubscriptionBufferSize sets the default live queue capacity of subscriptions.
// A subscription whose consumer falls further behind is closed with a *eventstore.SubscriptionOverrunError.
func WithSubscriptionBufferSize(size int) Option {
	return func(es *EventStore) error {
		if size <= 0 {
			return eventstore.ErrInvalidBufferSize
		}

		es.subscriptionBufferSize = size

		return nil
	}
}

// WithCatchUpPageSize sets how many historical events a subscription reads at once while catching up.
func WithCatchUpPageSize(size int) Option {
	return func(es *EventStore) error {
		if size <= 0 {
			return ErrInvalidPageSize
		}

		es.catchUpPageSize = size

		return nil
	}
}

// WithIDGenerator replaces uuid.NewV7 as the source of event IDs.
func WithIDGenerator(generator IDGenerator) Option {
	return func(es *EventStore) error {
		if generator == nil {
			return ErrNilIDGenerator
		}

		es.newEventID = generator

		return nil
	}
}

// WithClock replaces the UTC wall clock as the source of RecordedAt timestamps.
func WithClock(clock Clock) Option {
	return func(es *EventStore) error {
		if clock == nil {
			return ErrNilClock
		}

		es.now = clock

		return nil
	}
}
