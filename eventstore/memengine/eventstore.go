package memengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// EventStore is the in-memory eventstore.EventStore.
//
// Writers to the same stream are serialized by the stream's lock, which covers the expected version check
// and the position assignment. Writers to different streams only meet at the sequencer, which is held while
// global positions are assigned, both indexes are written and the batch is handed to the subscription hub.
// Readers never take a lock. Publishing a batch to the global log makes it visible everywhere at once.
type EventStore struct {
	streams   streamIndex
	log       globalLog
	sequencer sync.Mutex
	hub       *subscriptionHub
	snapshots sync.Map // snapshotKey -> eventstore.Snapshot
	closed    atomic.Bool

	newEventID             IDGenerator
	now                    Clock
	subscriptionBufferSize int
	catchUpPageSize        int

	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metricsCollector eventstore.MetricsCollector
	tracingCollector eventstore.TracingCollector
}

var _ eventstore.EventStore = (*EventStore)(nil)

// NewEventStore creates an empty EventStore with optional configuration.
func NewEventStore(options ...Option) (*EventStore, error) {
	es := &EventStore{
		hub:                    newSubscriptionHub(),
		newEventID:             uuid.NewV7,
		now:                    func() time.Time { return time.Now().UTC() },
		subscriptionBufferSize: DefaultSubscriptionBufferSize,
		catchUpPageSize:        DefaultCatchUpPageSize,
	}
	es.streams.log = &es.log

	for _, option := range options {
		if err := option(es); err != nil {
			return nil, err
		}
	}

	return es, nil
}

// Append appends events to a stream if expectedVersion matches the stream's current version.
//
// On a mismatch it returns a *eventstore.VersionConflictError and nothing is written.
// An empty events list only checks expectedVersion.
// Event IDs and the timestamp are produced before anything is written, so a failing ID generator leaves the store unchanged.
func (es *EventStore) Append(
	ctx context.Context,
	streamID eventstore.StreamID,
	expectedVersion eventstore.ExpectedVersion,
	events ...eventstore.EventData,
) (eventstore.AppendResult, error) {

	observer, ctx := es.startAppendObservation(ctx, streamID, expectedVersion, len(events))

	if err := es.validateAppend(ctx, streamID, expectedVersion, events); err != nil {
		observer.finishError(err)
		return eventstore.AppendResult{}, err
	}

	record := es.streams.record(streamID)
	record.mu.Lock()
	defer record.mu.Unlock()

	if err := record.checkExpectedVersion(streamID, expectedVersion); err != nil {
		es.logWarn(
			ctx,
			logMsgOperation+logMsgConcurrencyConflict,
			logAttrStreamID, streamID.String(),
			logAttrExpectedVersion, expectedVersion.String(),
			logAttrActualVersion, record.version(),
		)
		observer.finishError(err)

		return eventstore.AppendResult{}, err
	}

	if len(events) == 0 {
		es.logDebug(
			ctx,
			logMsgOperation+logMsgEmptyAppendValidated,
			logAttrStreamID, streamID.String(),
			logAttrExpectedVersion, expectedVersion.String(),
		)
		observer.finishSuccess(0)

		return eventstore.AppendResult{
			StreamPositions: []eventstore.StreamPosition{},
			GlobalPositions: []eventstore.GlobalPosition{},
		}, nil
	}

	batch, err := es.prepareBatch(ctx, streamID, record.version(), events)
	if err != nil {
		observer.finishError(err)
		return eventstore.AppendResult{}, err
	}

	commitStart := time.Now()
	result, err := es.commit(record, batch)
	if err != nil {
		observer.finishError(err)
		return eventstore.AppendResult{}, err
	}

	es.logDebug(
		ctx,
		logMsgBatchCommitted+logActionAppend,
		logAttrDurationMS, toMilliseconds(time.Since(commitStart)),
		logAttrFirstGlobalPosition, int64(result.GlobalPositions[0]),
	)

	es.logInfo(
		ctx,
		logMsgOperation+logMsgEventsAppended,
		logAttrStreamID, streamID.String(),
		logAttrEventCount, len(batch),
		logAttrDurationMS, toMilliseconds(observer.elapsed()),
	)
	observer.finishSuccess(len(batch))

	return result, nil
}

// validateAppend rejects malformed input before any lock is taken.
func (es *EventStore) validateAppend(
	ctx context.Context,
	streamID eventstore.StreamID,
	expectedVersion eventstore.ExpectedVersion,
	events []eventstore.EventData,
) error {

	if streamID == "" {
		return eventstore.ErrEmptyStreamID
	}

	if err := expectedVersion.Validate(); err != nil {
		return err
	}

	for _, data := range events {
		if err := data.Validate(); err != nil {
			return err
		}
	}

	if es.closed.Load() {
		return eventstore.ErrEventStoreClosed
	}

	return ctx.Err()
}

// prepareBatch builds the events of an append with IDs, timestamp and stream positions following version.
// Payload and metadata are copied.
func (es *EventStore) prepareBatch(
	ctx context.Context,
	streamID eventstore.StreamID,
	version int64,
	events []eventstore.EventData,
) ([]*eventstore.Event, error) {

	recordedAt := es.now()
	batch := make([]*eventstore.Event, len(events))

	for i, data := range events {
		id, err := es.newEventID()
		if err != nil {
			es.logError(ctx, logMsgGeneratingEventIDFailed, err, logAttrStreamID, streamID.String())
			return nil, errors.Join(eventstore.ErrGeneratingEventIDFailed, err)
		}

		event := eventstore.Event{
			ID:             id,
			StreamID:       streamID,
			StreamPosition: eventstore.StreamPosition(version + 1 + int64(i)),
			EventType:      data.EventType,
			Payload:        data.Payload,
			Metadata:       data.Metadata,
			RecordedAt:     recordedAt,
		}.Clone()

		batch[i] = &event
	}

	return batch, nil
}

// commit assigns global positions and makes the batch visible in both indexes and to subscriptions.
// The caller holds the stream's lock.
func (es *EventStore) commit(record *streamRecord, batch []*eventstore.Event) (eventstore.AppendResult, error) {
	es.sequencer.Lock()
	defer es.sequencer.Unlock()

	if es.closed.Load() {
		return eventstore.AppendResult{}, eventstore.ErrEventStoreClosed
	}

	next := es.log.nextPosition()
	for i, event := range batch {
		event.GlobalPosition = next + eventstore.GlobalPosition(i)
	}

	// The stream is written first: the global log append is the commit point readers go by.
	streamPositions := record.append(batch)
	result := eventstore.AppendResult{
		StreamPositions: streamPositions,
		GlobalPositions: es.log.append(batch),
	}

	es.hub.publish(batch)

	return result, nil
}

// ReadStream reads up to maxCount events of one stream.
// Streams that were never written and positions beyond the stream's end yield an empty result.
func (es *EventStore) ReadStream(
	ctx context.Context,
	streamID eventstore.StreamID,
	direction eventstore.Direction,
	from eventstore.From,
	maxCount int,
) (eventstore.Events, error) {

	observer, ctx := es.startReadObservation(ctx, operationReadStream, spanNameReadStream, streamID, direction, from, maxCount)

	if err := validateRead(ctx, direction, from, maxCount); err != nil {
		observer.finishError(err)
		return eventstore.Events{}, err
	}

	if streamID == "" {
		observer.finishError(eventstore.ErrEmptyStreamID)
		return eventstore.Events{}, eventstore.ErrEmptyStreamID
	}

	var found []*eventstore.Event
	if direction == eventstore.Forward {
		found = es.streams.readForwards(streamID, from, maxCount)
	} else {
		found = es.streams.readBackwards(streamID, from, maxCount)
	}

	events := cloneEvents(found)

	es.logInfo(
		ctx,
		logMsgOperation+logMsgStreamRead,
		logAttrStreamID, streamID.String(),
		logAttrDirection, direction.String(),
		logAttrEventCount, len(events),
		logAttrDurationMS, toMilliseconds(observer.elapsed()),
	)
	observer.finishSuccess(len(events))

	return events, nil
}

// ReadAll reads up to maxCount events in global order.
func (es *EventStore) ReadAll(
	ctx context.Context,
	direction eventstore.Direction,
	from eventstore.From,
	maxCount int,
) (eventstore.Events, error) {

	observer, ctx := es.startReadObservation(ctx, operationReadAll, spanNameReadAll, "", direction, from, maxCount)

	if err := validateRead(ctx, direction, from, maxCount); err != nil {
		observer.finishError(err)
		return eventstore.Events{}, err
	}

	var found []*eventstore.Event
	if direction == eventstore.Forward {
		found = es.log.readAllForwards(from, maxCount)
	} else {
		found = es.log.readAllBackwards(from, maxCount)
	}

	events := cloneEvents(found)

	es.logInfo(
		ctx,
		logMsgOperation+logMsgAllRead,
		logAttrDirection, direction.String(),
		logAttrEventCount, len(events),
		logAttrDurationMS, toMilliseconds(observer.elapsed()),
	)
	observer.finishSuccess(len(events))

	return events, nil
}

func validateRead(ctx context.Context, direction eventstore.Direction, from eventstore.From, maxCount int) error {
	if err := direction.Validate(); err != nil {
		return err
	}

	if err := from.Validate(); err != nil {
		return err
	}

	if err := eventstore.ValidateMaxCount(maxCount); err != nil {
		return err
	}

	return ctx.Err()
}

func cloneEvents(found []*eventstore.Event) eventstore.Events {
	events := make(eventstore.Events, 0, len(found))
	for _, event := range found {
		events = append(events, event.Clone())
	}

	return events
}

// SubscribeStream delivers the events of one stream after the from checkpoint, first historical, then live.
func (es *EventStore) SubscribeStream(
	ctx context.Context,
	streamID eventstore.StreamID,
	from eventstore.From,
	options ...eventstore.SubscriptionOption,
) (eventstore.Subscription, error) {

	scope := eventstore.SubscriptionScope{StreamID: streamID}
	observer, _ := es.startSubscribeObservation(ctx, scope, from)

	if streamID == "" {
		observer.finishError(eventstore.ErrEmptyStreamID)
		return nil, eventstore.ErrEmptyStreamID
	}

	head := func() int64 {
		return es.streams.currentVersion(streamID)
	}

	return es.subscribe(ctx, observer, scope, from, head, options)
}

// SubscribeAll delivers all events after the from checkpoint in global order, first historical, then live.
func (es *EventStore) SubscribeAll(
	ctx context.Context,
	from eventstore.From,
	options ...eventstore.SubscriptionOption,
) (eventstore.Subscription, error) {

	scope := eventstore.SubscriptionScope{}
	observer, _ := es.startSubscribeObservation(ctx, scope, from)

	return es.subscribe(ctx, observer, scope, from, es.log.head, options)
}

// subscribe registers and starts a subscription. ctx is the caller's context: the subscription keeps it after
// the subscribe span has ended.
func (es *EventStore) subscribe(
	ctx context.Context,
	observer *operationObserver,
	scope eventstore.SubscriptionScope,
	from eventstore.From,
	head func() int64,
	options []eventstore.SubscriptionOption,
) (eventstore.Subscription, error) {

	subscriptionOptions, err := es.validateSubscribe(ctx, from, options)
	if err != nil {
		observer.finishError(err)
		return nil, err
	}

	s := newSubscription(ctx, es, scope, from, subscriptionOptions)

	if err := es.hub.register(s, head); err != nil {
		observer.finishError(err)
		return nil, err
	}

	go s.run()

	es.observeSubscriptionStarted(observer.ctx, s)
	observer.finishSuccess(0)

	return s, nil
}

func (es *EventStore) validateSubscribe(
	ctx context.Context,
	from eventstore.From,
	options []eventstore.SubscriptionOption,
) (eventstore.SubscriptionOptions, error) {

	if err := from.Validate(); err != nil {
		return eventstore.SubscriptionOptions{}, err
	}

	subscriptionOptions, err := eventstore.BuildSubscriptionOptions(options...)
	if err != nil {
		return eventstore.SubscriptionOptions{}, err
	}

	if es.closed.Load() {
		return eventstore.SubscriptionOptions{}, eventstore.ErrEventStoreClosed
	}

	return subscriptionOptions, ctx.Err()
}

// CurrentVersion returns the position of the stream's last event, eventstore.EmptyStreamVersion if it has none.
func (es *EventStore) CurrentVersion(streamID eventstore.StreamID) int64 {
	return es.streams.currentVersion(streamID)
}

// HeadPosition returns the global position of the last committed event, -1 if the store is empty.
func (es *EventStore) HeadPosition() int64 {
	return es.log.head()
}

// Close closes all open subscriptions with eventstore.ErrEventStoreClosed and waits for their delivery to stop.
// Afterward, appends and subscribes fail with eventstore.ErrEventStoreClosed while reads keep working.
// Closing twice is a no-op.
func (es *EventStore) Close() error {
	es.sequencer.Lock()
	alreadyClosed := es.closed.Swap(true)
	es.sequencer.Unlock()

	if alreadyClosed {
		return nil
	}

	closing := es.hub.closeAll(eventstore.ErrEventStoreClosed)
	for _, s := range closing {
		<-s.stopped
	}

	es.logInfo(
		context.Background(),
		logMsgOperation+logMsgEventStoreClosed,
		logAttrStreamCount, es.streams.streamCount(),
		logAttrClosedSubscriptions, len(closing),
	)

	return nil
}
