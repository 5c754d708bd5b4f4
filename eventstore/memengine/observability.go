package memengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

const (
	logMsgOperation               = "eventstore operation: "
	logMsgEventsAppended          = "events appended"
	logMsgEmptyAppendValidated    = "empty append validated"
	logMsgStreamRead              = "stream read"
	logMsgAllRead                 = "all read"
	logMsgConcurrencyConflict     = "concurrency conflict detected"
	logMsgGeneratingEventIDFailed = "failed to generate event id"
	logMsgBatchCommitted          = "committed batch for: "
	logMsgSubscriptionStarted     = "subscription started"
	logMsgSubscriptionLive        = "subscription live"
	logMsgSubscriptionClosed      = "subscription closed"
	logMsgSubscriptionOverrun     = "subscription overrun, consumer fell behind"
	logMsgSnapshotSaved           = "snapshot saved"
	logMsgSnapshotLoaded          = "snapshot loaded"
	logMsgSnapshotDeleted         = "snapshot deleted"
	logMsgEventStoreClosed        = "eventstore closed"
	logAttrError                  = "error"
	logAttrStreamID               = "stream_id"
	logAttrEventCount             = "event_count"
	logAttrDurationMS             = "duration_ms"
	logAttrExpectedVersion        = "expected_version"
	logAttrActualVersion          = "actual_version"
	logAttrFirstGlobalPosition    = "first_global_position"
	logAttrDirection              = "direction"
	logAttrFrom                   = "from"
	logAttrSubscriptionID         = "subscription_id"
	logAttrScope                  = "scope"
	logAttrBoundary               = "boundary"
	logAttrBufferSize             = "buffer_size"
	logAttrReason                 = "reason"
	logAttrProjectionType         = "projection_type"
	logAttrStreamPosition         = "stream_position"
	logAttrStreamCount            = "stream_count"
	logAttrClosedSubscriptions    = "closed_subscriptions"
	logActionAppend               = "append"

	metricAppendDuration       = "eventstore_append_duration_seconds"
	metricReadDuration         = "eventstore_read_duration_seconds"
	metricEventsAppended       = "eventstore_events_appended"
	metricEventsRead           = "eventstore_events_read"
	metricConcurrencyConflicts = "eventstore_concurrency_conflicts_total"
	metricErrors               = "eventstore_errors_total"
	metricSubscriptionOverruns = "eventstore_subscription_overruns_total"
	metricActiveSubscriptions  = "eventstore_active_subscriptions"

	spanNameAppend     = "eventstore.append"
	spanNameReadStream = "eventstore.read_stream"
	spanNameReadAll    = "eventstore.read_all"
	spanNameSubscribe  = "eventstore.subscribe"

	spanAttrOperation       = "operation"
	spanAttrStreamID        = "stream_id"
	spanAttrEventCount      = "event_count"
	spanAttrExpectedVersion = "expected_version"
	spanAttrDirection       = "direction"
	spanAttrFrom            = "from"
	spanAttrMaxCount        = "max_count"
	spanAttrScope           = "scope"
	spanAttrErrorType       = "error_type"
	spanAttrDurationMS      = "duration_ms"

	labelOperation    = "operation"
	labelStatus       = "status"
	labelErrorType    = "error_type"
	labelConflictType = "conflict_type"
	labelScope        = "scope"

	operationAppend     = "append"
	operationReadStream = "read_stream"
	operationReadAll    = "read_all"
	operationSubscribe  = "subscribe"

	statusSuccess = "success"
	statusError   = "error"

	errorTypeValidation   = "validation"
	errorTypeConflict     = "concurrency_conflict"
	errorTypeIDGeneration = "id_generation"
	errorTypeClosed       = "closed"
	errorTypeContext      = "context"
	errorTypeUnknown      = "unknown"
)

// errorTypeOf classifies an operation error for metric labels and span attributes.
func errorTypeOf(err error) string {
	switch {
	case errors.Is(err, eventstore.ErrVersionConflict):
		return errorTypeConflict
	case errors.Is(err, eventstore.ErrGeneratingEventIDFailed):
		return errorTypeIDGeneration
	case errors.Is(err, eventstore.ErrEventStoreClosed):
		return errorTypeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorTypeContext
	case errors.Is(err, eventstore.ErrInvalidRange),
		errors.Is(err, eventstore.ErrEmptyStreamID),
		errors.Is(err, eventstore.ErrEmptyEventType),
		errors.Is(err, eventstore.ErrInvalidBufferSize):
		return errorTypeValidation
	default:
		return errorTypeUnknown
	}
}

// === Logging ===
// Every message goes to the Logger and to the ContextualLogger, whichever are configured.

func (es *EventStore) logDebug(ctx context.Context, msg string, args ...any) {
	if es.logger != nil {
		es.logger.Debug(msg, args...)
	}

	if es.contextualLogger != nil {
		es.contextualLogger.DebugContext(ctx, msg, args...)
	}
}

func (es *EventStore) logInfo(ctx context.Context, msg string, args ...any) {
	if es.logger != nil {
		es.logger.Info(msg, args...)
	}

	if es.contextualLogger != nil {
		es.contextualLogger.InfoContext(ctx, msg, args...)
	}
}

func (es *EventStore) logWarn(ctx context.Context, msg string, args ...any) {
	if es.logger != nil {
		es.logger.Warn(msg, args...)
	}

	if es.contextualLogger != nil {
		es.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (es *EventStore) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{logAttrError, err.Error()}, args...)

	if es.logger != nil {
		es.logger.Error(msg, allArgs...)
	}

	if es.contextualLogger != nil {
		es.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func formatMilliseconds(d time.Duration) string {
	return fmt.Sprintf("%.2f", toMilliseconds(d))
}

// === Metrics ===
// Context-aware methods are used when the collector implements eventstore.ContextualMetricsCollector.

func (es *EventStore) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if es.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := es.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextualCollector.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	es.metricsCollector.RecordDuration(metric, duration, labels)
}

func (es *EventStore) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if es.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := es.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metric, labels)
		return
	}

	es.metricsCollector.IncrementCounter(metric, labels)
}

func (es *EventStore) recordValue(ctx context.Context, metric string, value float64, labels map[string]string) {
	if es.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := es.metricsCollector.(eventstore.ContextualMetricsCollector); ok {
		contextualCollector.RecordValueContext(ctx, metric, value, labels)
		return
	}

	es.metricsCollector.RecordValue(metric, value, labels)
}

func (es *EventStore) recordActiveSubscriptions(ctx context.Context) {
	es.recordValue(ctx, metricActiveSubscriptions, float64(es.hub.count()), map[string]string{})
}

// === Operation Observer Pattern ===
// An operationObserver owns the tracing span and the metrics of one append, read or subscribe call.

type operationObserver struct {
	es             *EventStore
	ctx            context.Context
	operation      string
	durationMetric string
	countMetric    string
	span           eventstore.SpanContext
	start          time.Time
}

func (es *EventStore) startObservation(
	ctx context.Context,
	operation string,
	spanName string,
	durationMetric string,
	countMetric string,
	attrs map[string]string,
) (*operationObserver, context.Context) {

	attrs[spanAttrOperation] = operation

	var span eventstore.SpanContext
	if es.tracingCollector != nil {
		ctx, span = es.tracingCollector.StartSpan(ctx, spanName, attrs)
	}

	return &operationObserver{
		es:             es,
		ctx:            ctx,
		operation:      operation,
		durationMetric: durationMetric,
		countMetric:    countMetric,
		span:           span,
		start:          time.Now(),
	}, ctx
}

func (es *EventStore) startAppendObservation(
	ctx context.Context,
	streamID eventstore.StreamID,
	expectedVersion eventstore.ExpectedVersion,
	eventCount int,
) (*operationObserver, context.Context) {

	return es.startObservation(
		ctx,
		operationAppend,
		spanNameAppend,
		metricAppendDuration,
		metricEventsAppended,
		map[string]string{
			spanAttrStreamID:        streamID.String(),
			spanAttrExpectedVersion: expectedVersion.String(),
			spanAttrEventCount:      strconv.Itoa(eventCount),
		},
	)
}

func (es *EventStore) startReadObservation(
	ctx context.Context,
	operation string,
	spanName string,
	streamID eventstore.StreamID,
	direction eventstore.Direction,
	from eventstore.From,
	maxCount int,
) (*operationObserver, context.Context) {

	attrs := map[string]string{
		spanAttrDirection: direction.String(),
		spanAttrFrom:      from.String(),
		spanAttrMaxCount:  strconv.Itoa(maxCount),
	}

	if streamID != "" {
		attrs[spanAttrStreamID] = streamID.String()
	}

	return es.startObservation(ctx, operation, spanName, metricReadDuration, metricEventsRead, attrs)
}

func (es *EventStore) startSubscribeObservation(
	ctx context.Context,
	scope eventstore.SubscriptionScope,
	from eventstore.From,
) (*operationObserver, context.Context) {

	return es.startObservation(
		ctx,
		operationSubscribe,
		spanNameSubscribe,
		"",
		"",
		map[string]string{
			spanAttrScope: scope.String(),
			spanAttrFrom:  from.String(),
		},
	)
}

func (o *operationObserver) elapsed() time.Duration {
	return time.Since(o.start)
}

// finishSuccess records the operation's duration and event count and completes the span.
func (o *operationObserver) finishSuccess(eventCount int) {
	duration := o.elapsed()
	labels := map[string]string{labelOperation: o.operation, labelStatus: statusSuccess}

	if o.durationMetric != "" {
		o.es.recordDuration(o.ctx, o.durationMetric, duration, labels)
	}

	if o.countMetric != "" {
		o.es.recordValue(o.ctx, o.countMetric, float64(eventCount), labels)
	}

	if o.span == nil {
		return
	}

	o.span.SetStatus(statusSuccess)
	o.span.AddAttribute(spanAttrEventCount, strconv.Itoa(eventCount))
	o.span.AddAttribute(spanAttrDurationMS, formatMilliseconds(duration))

	o.es.tracingCollector.FinishSpan(o.span, statusSuccess, map[string]string{
		spanAttrEventCount: strconv.Itoa(eventCount),
	})
}

// finishError records the failure, a concurrency conflict additionally, and completes the span.
func (o *operationObserver) finishError(err error) {
	duration := o.elapsed()
	errorType := errorTypeOf(err)

	if o.durationMetric != "" {
		o.es.recordDuration(o.ctx, o.durationMetric, duration, map[string]string{
			labelOperation: o.operation,
			labelStatus:    statusError,
		})
	}

	if errorType == errorTypeConflict {
		o.es.incrementCounter(o.ctx, metricConcurrencyConflicts, map[string]string{
			labelOperation:    o.operation,
			labelConflictType: "concurrency",
		})
	} else {
		o.es.incrementCounter(o.ctx, metricErrors, map[string]string{
			labelOperation: o.operation,
			labelStatus:    statusError,
			labelErrorType: errorType,
		})
	}

	if o.span == nil {
		return
	}

	o.span.SetStatus(statusError)
	o.span.AddAttribute(spanAttrErrorType, errorType)
	o.span.AddAttribute(spanAttrDurationMS, formatMilliseconds(duration))

	o.es.tracingCollector.FinishSpan(o.span, statusError, map[string]string{
		spanAttrErrorType: errorType,
	})
}

// === Subscription lifecycle ===

func (es *EventStore) observeSubscriptionStarted(ctx context.Context, s *subscription) {
	es.logInfo(
		ctx,
		logMsgOperation+logMsgSubscriptionStarted,
		logAttrSubscriptionID, s.id,
		logAttrScope, s.scope.String(),
		logAttrFrom, s.from.String(),
		logAttrBoundary, s.boundary,
		logAttrBufferSize, s.bufferSize,
	)

	es.recordActiveSubscriptions(ctx)
}

func (es *EventStore) observeSubscriptionLive(ctx context.Context, s *subscription) {
	es.logDebug(
		ctx,
		logMsgOperation+logMsgSubscriptionLive,
		logAttrSubscriptionID, s.id,
		logAttrScope, s.scope.String(),
	)
}

// observeSubscriptionClosed runs on the delivery goroutine after it left the hub, outside any lock.
func (es *EventStore) observeSubscriptionClosed(ctx context.Context, s *subscription, reason error) {
	var overrun *eventstore.SubscriptionOverrunError
	if errors.As(reason, &overrun) {
		es.logWarn(
			ctx,
			logMsgOperation+logMsgSubscriptionOverrun,
			logAttrSubscriptionID, s.id,
			logAttrScope, s.scope.String(),
			logAttrBufferSize, overrun.BufferSize,
		)

		es.incrementCounter(ctx, metricSubscriptionOverruns, map[string]string{
			labelScope: scopeLabel(s.scope),
		})
	}

	reasonText := "closed"
	if reason != nil {
		reasonText = reason.Error()
	}

	es.logInfo(
		ctx,
		logMsgOperation+logMsgSubscriptionClosed,
		logAttrSubscriptionID, s.id,
		logAttrScope, s.scope.String(),
		logAttrReason, reasonText,
	)

	es.recordActiveSubscriptions(ctx)
}

// scopeLabel keeps metric label cardinality independent of the number of streams.
func scopeLabel(scope eventstore.SubscriptionScope) string {
	if scope.IsGlobal() {
		return "all"
	}

	return "stream"
}
