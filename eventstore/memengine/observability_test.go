package memengine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
	. "github.com/AntonStoeckl/streams-eventstore-go/testutil/helper" //nolint:revive
)

func Test_Observability_Append_Success(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	metricsCollector := NewMetricsCollectorSpy(true)
	tracingCollector := NewTracingCollectorSpy(true)
	contextualLogger := NewContextualLoggerSpy(true)

	es := newEventStore(
		t,
		memengine.WithLogger(slog.New(logHandler)),
		memengine.WithContextualLogger(contextualLogger),
		memengine.WithMetrics(metricsCollector),
		memengine.WithTracing(tracingCollector),
	)

	// arrange
	streamID := GivenUniqueCartStreamID(t)

	// act
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 3)...)

	// assert
	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: events appended").
		WithAttr("stream_id", streamID.String()).
		WithEventCount().
		WithDurationMS().
		Assert(), "append should be logged at info level")

	assert.True(t, logHandler.HasDebugLogWithMessage("committed batch for: append").
		WithAttr("first_global_position", "0").
		Assert(), "commit should be logged at debug level")

	_, found := contextualLogger.FindRecord("info", "eventstore operation: events appended")
	assert.True(t, found, "contextual logger should receive the same message")

	assert.True(t, metricsCollector.HasDurationRecordForMetric("eventstore_append_duration_seconds").
		WithOperation("append").
		WithStatus("success").
		Assert())

	assert.True(t, metricsCollector.HasValueRecordForMetric("eventstore_events_appended").
		WithOperation("append").
		WithValue(3).
		Assert())

	assert.True(t, tracingCollector.HasSpanRecordForName("eventstore.append").
		WithStartAttribute("stream_id", streamID.String()).
		WithStartAttribute("expected_version", "NoStream").
		WithStatus("success").
		WithEndAttribute("event_count", "3").
		Assert())
}

func Test_Observability_Append_ConcurrencyConflict(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	metricsCollector := NewMetricsCollectorSpy(true)
	tracingCollector := NewTracingCollectorSpy(true)

	es := newEventStore(
		t,
		memengine.WithLogger(slog.New(logHandler)),
		memengine.WithMetrics(metricsCollector),
		memengine.WithTracing(tracingCollector),
	)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 3)...)

	// act
	_, err := es.Append(ctxWithTimeout, streamID, eventstore.Exact(0), FixtureCartCheckedOut(t))

	// assert
	require.ErrorIs(t, err, eventstore.ErrVersionConflict)

	assert.True(t, logHandler.HasWarnLogWithMessage("eventstore operation: concurrency conflict detected").
		WithAttr("expected_version", "0").
		WithAttr("actual_version", "2").
		Assert())

	assert.True(t, metricsCollector.HasCounterRecordForMetric("eventstore_concurrency_conflicts_total").
		WithOperation("append").
		WithLabel("conflict_type", "concurrency").
		Assert())

	assert.True(t, metricsCollector.HasDurationRecordForMetric("eventstore_append_duration_seconds").
		WithStatus("error").
		Assert())

	assert.Zero(t, metricsCollector.CountCounterRecordsForMetric("eventstore_errors_total"),
		"conflicts are not counted as errors")

	assert.Equal(t, 2, tracingCollector.GetSpanRecordCount())
}

func Test_Observability_Failures_AreClassified(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	testCases := []struct {
		description       string
		options           []memengine.Option
		act               func(es *memengine.EventStore) error
		expectedOperation string
		expectedErrorType string
		expectedSpan      string
	}{
		{
			description: "invalid read range",
			act: func(es *memengine.EventStore) error {
				_, err := es.ReadAll(ctxWithTimeout, eventstore.Forward, eventstore.FromStart(), 0)
				return err
			},
			expectedOperation: "read_all",
			expectedErrorType: "validation",
			expectedSpan:      "eventstore.read_all",
		},
		{
			description: "failing id generator",
			options:     []memengine.Option{memengine.WithIDGenerator(FailingIDGenerator(0))},
			act: func(es *memengine.EventStore) error {
				_, err := es.Append(ctxWithTimeout, GivenUniqueCartStreamID(t), eventstore.NoStream, FixtureItemAdded(t, 0))
				return err
			},
			expectedOperation: "append",
			expectedErrorType: "id_generation",
			expectedSpan:      "eventstore.append",
		},
		{
			description: "canceled context",
			act: func(es *memengine.EventStore) error {
				ctx, cancelNow := context.WithCancel(ctxWithTimeout)
				cancelNow()
				_, err := es.ReadStream(ctx, GivenUniqueCartStreamID(t), eventstore.Backward, eventstore.FromEnd(), 1)
				return err
			},
			expectedOperation: "read_stream",
			expectedErrorType: "context",
			expectedSpan:      "eventstore.read_stream",
		},
		{
			description: "invalid subscription",
			act: func(es *memengine.EventStore) error {
				_, err := es.SubscribeStream(ctxWithTimeout, "", eventstore.FromStart())
				return err
			},
			expectedOperation: "subscribe",
			expectedErrorType: "validation",
			expectedSpan:      "eventstore.subscribe",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			// setup
			metricsCollector := NewMetricsCollectorSpy(true)
			tracingCollector := NewTracingCollectorSpy(true)
			options := append([]memengine.Option{
				memengine.WithMetrics(metricsCollector),
				memengine.WithTracing(tracingCollector),
			}, tc.options...)
			es := newEventStore(t, options...)

			// act
			err := tc.act(es)

			// assert
			require.Error(t, err)

			assert.True(t, metricsCollector.HasCounterRecordForMetric("eventstore_errors_total").
				WithOperation(tc.expectedOperation).
				WithStatus("error").
				WithErrorType(tc.expectedErrorType).
				Assert())

			assert.True(t, tracingCollector.HasSpanRecordForName(tc.expectedSpan).
				WithStatus("error").
				WithEndAttribute("error_type", tc.expectedErrorType).
				WithSpanAttribute("error_type", tc.expectedErrorType).
				Assert())
		})
	}
}

func Test_Observability_Reads(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	metricsCollector := NewMetricsCollectorSpy(true)
	tracingCollector := NewTracingCollectorSpy(true)

	es := newEventStore(
		t,
		memengine.WithLogger(slog.New(logHandler)),
		memengine.WithMetrics(metricsCollector),
		memengine.WithTracing(tracingCollector),
	)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 4)...)

	// act
	_, streamErr := es.ReadStream(ctxWithTimeout, streamID, eventstore.Backward, eventstore.FromEnd(), 2)
	_, allErr := es.ReadAll(ctxWithTimeout, eventstore.Forward, eventstore.FromPosition(1), 10)

	// assert
	require.NoError(t, streamErr)
	require.NoError(t, allErr)

	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: stream read").
		WithAttr("stream_id", streamID.String()).
		WithAttr("direction", "backward").
		WithAttr("event_count", "2").
		Assert())

	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: all read").
		WithAttr("direction", "forward").
		WithAttr("event_count", "3").
		Assert())

	assert.True(t, metricsCollector.HasValueRecordForMetric("eventstore_events_read").
		WithOperation("read_stream").
		WithValue(2).
		Assert())

	assert.Equal(t, 2, metricsCollector.CountDurationRecordsForMetric("eventstore_read_duration_seconds"))

	assert.True(t, tracingCollector.HasSpanRecordForName("eventstore.read_all").
		WithStartAttribute("from", "1").
		WithStartAttribute("max_count", "10").
		WithStatus("success").
		Assert())
}

func Test_Observability_SubscriptionLifecycle(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	metricsCollector := NewMetricsCollectorSpy(true)

	es := newEventStore(
		t,
		memengine.WithLogger(slog.New(logHandler)),
		memengine.WithMetrics(metricsCollector),
	)

	// arrange
	streamID := GivenUniqueCartStreamID(t)

	// act
	closedByCaller, err := es.SubscribeStream(ctxWithTimeout, streamID, eventstore.FromStart())
	require.NoError(t, err)
	require.NoError(t, closedByCaller.Close())

	overrun, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromEnd(), eventstore.WithBufferSize(1))
	require.NoError(t, err)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 5)...)
	require.Eventually(t, func() bool {
		return overrun.State() == eventstore.SubscriptionClosed
	}, receiveTimeout, time.Millisecond)

	// assert
	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: subscription started").
		WithAttr("scope", streamID.String()).
		WithAttr("from", "start").
		WithAttr("boundary", "-1").
		Assert())

	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: subscription closed").
		WithAttr("subscription_id", closedByCaller.ID()).
		WithAttr("reason", "closed").
		Assert())

	assert.True(t, logHandler.HasWarnLogWithMessage("eventstore operation: subscription overrun, consumer fell behind").
		WithAttr("subscription_id", overrun.ID()).
		WithAttr("scope", "$all").
		WithAttr("buffer_size", "1").
		Assert())

	assert.True(t, metricsCollector.HasCounterRecordForMetric("eventstore_subscription_overruns_total").
		WithLabel("scope", "all").
		Assert())

	assert.True(t, metricsCollector.HasValueRecordForMetric("eventstore_active_subscriptions").
		WithValue(1).
		Assert())
}

func Test_Observability_Close(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)

	es, err := memengine.NewEventStore(memengine.WithLogger(slog.New(logHandler)))
	require.NoError(t, err)

	// arrange
	GivenEventsWereAppended(t, ctxWithTimeout, es, GivenUniqueCartStreamID(t), eventstore.NoStream, FixtureItemAdded(t, 0))
	GivenEventsWereAppended(t, ctxWithTimeout, es, GivenUniqueCartStreamID(t), eventstore.NoStream, FixtureItemAdded(t, 0))
	_, err = es.SubscribeAll(ctxWithTimeout, eventstore.FromStart())
	require.NoError(t, err)

	// act
	require.NoError(t, es.Close())
	require.NoError(t, es.Close())

	// assert
	assert.Equal(t, 1, logHandler.CountLogsWithMessage(slog.LevelInfo, "eventstore operation: eventstore closed"))
	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: eventstore closed").
		WithAttr("stream_count", "2").
		WithAttr("closed_subscriptions", "1").
		Assert())
}

func Test_Observability_WithoutCollaborators_DoesNotPanic(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	es := newEventStore(
		t,
		memengine.WithMetrics(NewMetricsCollectorSpy(false)),
		memengine.WithTracing(NewTracingCollectorSpy(false)),
	)

	// act
	assert.NotPanics(t, func() {
		streamID := GivenUniqueCartStreamID(t)
		GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemAdded(t, 0))
		_, _ = es.Append(ctxWithTimeout, streamID, eventstore.NoStream, FixtureItemAdded(t, 1))
		_, _ = es.ReadAll(ctxWithTimeout, eventstore.Forward, eventstore.FromStart(), 5)
	})
}
