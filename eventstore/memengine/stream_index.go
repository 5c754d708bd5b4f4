package memengine

import (
	"sync"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// streamRecord holds the committed events of one stream and the lock that serializes its writers.
type streamRecord struct {
	mu     sync.Mutex
	events committedEvents
}

// version is the position of the stream's last written event, eventstore.EmptyStreamVersion when it has none.
// It includes a batch that is not yet in the global log, so only writers holding r.mu may use it.
func (r *streamRecord) version() int64 {
	return r.events.lastPosition()
}

// visible returns the stream's events that are committed to the global log, i.e. at or below watermark.
// Only the stream's latest batch can be ahead of the watermark, so trimming from the tail is enough.
func (r *streamRecord) visible(watermark int64) []*eventstore.Event {
	events := r.events.load()

	end := len(events)
	for end > 0 && int64(events[end-1].GlobalPosition) > watermark {
		end--
	}

	return events[:end:end]
}

// checkExpectedVersion returns a *eventstore.VersionConflictError if the stream's version does not satisfy expected.
// Callers hold r.mu.
func (r *streamRecord) checkExpectedVersion(streamID eventstore.StreamID, expected eventstore.ExpectedVersion) error {
	actual := r.version()
	if !expected.Matches(actual) {
		return &eventstore.VersionConflictError{StreamID: streamID, Expected: expected, Actual: actual}
	}

	return nil
}

// append publishes a batch whose StreamPositions continue the stream without gaps. Callers hold r.mu.
func (r *streamRecord) append(batch []*eventstore.Event) []eventstore.StreamPosition {
	positions := make([]eventstore.StreamPosition, len(batch))
	for i, event := range batch {
		positions[i] = event.StreamPosition
	}

	r.events.append(batch)

	return positions
}

// streamIndex maps StreamIDs to their records. Records are created on first write and never removed.
//
// A batch is written to its stream before it is published to the global log, whose head is the commit point.
// Readers load the head first and hide stream events above it, so a stream never shows an event ReadAll cannot.
type streamIndex struct {
	streams sync.Map // eventstore.StreamID -> *streamRecord
	log     *globalLog
}

func (si *streamIndex) lookup(streamID eventstore.StreamID) (*streamRecord, bool) {
	record, ok := si.streams.Load(streamID)
	if !ok {
		return nil, false
	}

	return record.(*streamRecord), true
}

// record returns the stream's record, creating it if the stream was never written.
func (si *streamIndex) record(streamID eventstore.StreamID) *streamRecord {
	if record, ok := si.lookup(streamID); ok {
		return record
	}

	record, _ := si.streams.LoadOrStore(streamID, &streamRecord{})

	return record.(*streamRecord)
}

// currentVersion returns eventstore.EmptyStreamVersion for streams that were never written.
func (si *streamIndex) currentVersion(streamID eventstore.StreamID) int64 {
	watermark := si.log.head()

	record, ok := si.lookup(streamID)
	if !ok {
		return eventstore.EmptyStreamVersion
	}

	return int64(len(record.visible(watermark))) - 1
}

func (si *streamIndex) read(
	streamID eventstore.StreamID,
	direction eventstore.Direction,
	from eventstore.From,
	maxCount int,
) []*eventstore.Event {

	watermark := si.log.head()

	record, ok := si.lookup(streamID)
	if !ok {
		return nil
	}

	return readRange(record.visible(watermark), direction, from, maxCount)
}

func (si *streamIndex) readForwards(streamID eventstore.StreamID, from eventstore.From, maxCount int) []*eventstore.Event {
	return si.read(streamID, eventstore.Forward, from, maxCount)
}

func (si *streamIndex) readBackwards(streamID eventstore.StreamID, from eventstore.From, maxCount int) []*eventstore.Event {
	return si.read(streamID, eventstore.Backward, from, maxCount)
}

// streamCount is the number of streams that have a record.
func (si *streamIndex) streamCount() int {
	count := 0
	si.streams.Range(func(_, _ any) bool {
		count++
		return true
	})

	return count
}
