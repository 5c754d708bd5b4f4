package memengine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

func givenCommittedEvents(count int) []*eventstore.Event {
	events := make([]*eventstore.Event, count)
	for i := range events {
		events[i] = &eventstore.Event{GlobalPosition: eventstore.GlobalPosition(i)}
	}

	return events
}

func positionsOf(events []*eventstore.Event) []int64 {
	positions := make([]int64, 0, len(events))
	for _, event := range events {
		positions = append(positions, int64(event.GlobalPosition))
	}

	return positions
}

func Test_readRange(t *testing.T) {
	events := givenCommittedEvents(5)

	testCases := []struct {
		description string
		events      []*eventstore.Event
		direction   eventstore.Direction
		from        eventstore.From
		maxCount    int
		expected    []int64
	}{
		{"empty forward", nil, eventstore.Forward, eventstore.FromStart(), 3, []int64{}},
		{"empty backward from end", nil, eventstore.Backward, eventstore.FromEnd(), 3, []int64{}},
		{"forward all", events, eventstore.Forward, eventstore.FromStart(), 10, []int64{0, 1, 2, 3, 4}},
		{"forward window", events, eventstore.Forward, eventstore.FromPosition(1), 2, []int64{1, 2}},
		{"forward huge max count", events, eventstore.Forward, eventstore.FromPosition(3), math.MaxInt, []int64{3, 4}},
		{"forward beyond head", events, eventstore.Forward, eventstore.FromPosition(5), 1, []int64{}},
		{"forward from end", events, eventstore.Forward, eventstore.FromEnd(), 3, []int64{4}},
		{"backward all", events, eventstore.Backward, eventstore.FromEnd(), 10, []int64{4, 3, 2, 1, 0}},
		{"backward window", events, eventstore.Backward, eventstore.FromPosition(3), 2, []int64{3, 2}},
		{"backward huge max count", events, eventstore.Backward, eventstore.FromPosition(1), math.MaxInt, []int64{1, 0}},
		{"backward beyond head", events, eventstore.Backward, eventstore.FromPosition(9), 3, []int64{}},
		{"backward from start", events, eventstore.Backward, eventstore.FromStart(), 3, []int64{0}},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expected, positionsOf(readRange(tc.events, tc.direction, tc.from, tc.maxCount)))
		})
	}
}

func Test_readRange_Forward_When_CallerAppends_CommittedEventsStayUntouched(t *testing.T) {
	// arrange
	committed := committedEvents{}
	committed.append(givenCommittedEvents(4))
	window := readRange(committed.load(), eventstore.Forward, eventstore.FromStart(), 2)

	// act
	_ = append(window, &eventstore.Event{GlobalPosition: 99})

	// assert
	assert.Equal(t, []int64{0, 1, 2, 3}, positionsOf(committed.load()))
}

func Test_committedEvents_When_Appending_EarlierSnapshotsAreStable(t *testing.T) {
	// arrange
	committed := committedEvents{}
	assert.Equal(t, int64(-1), committed.lastPosition())

	committed.append(givenCommittedEvents(2))
	before := committed.load()

	// act
	committed.append([]*eventstore.Event{{GlobalPosition: 2}})

	// assert
	assert.Len(t, before, 2, "a loaded header never grows")
	assert.Equal(t, int64(2), committed.lastPosition())
	assert.Equal(t, []int64{0, 1, 2}, positionsOf(committed.load()))
}

func Test_streamRecord_checkExpectedVersion(t *testing.T) {
	// arrange
	record := &streamRecord{}
	record.append([]*eventstore.Event{{StreamPosition: 0}, {StreamPosition: 1}})

	testCases := []struct {
		expected eventstore.ExpectedVersion
		conflict bool
	}{
		{eventstore.Exact(1), false},
		{eventstore.AnyVersion, false},
		{eventstore.NoStream, true},
		{eventstore.Exact(0), true},
		{eventstore.Exact(2), true},
	}

	for _, tc := range testCases {
		t.Run(tc.expected.String(), func(t *testing.T) {
			// act
			err := record.checkExpectedVersion("cart-1", tc.expected)

			// assert
			if !tc.conflict {
				assert.NoError(t, err)
				return
			}

			assert.Equal(t, &eventstore.VersionConflictError{StreamID: "cart-1", Expected: tc.expected, Actual: 1}, err)
		})
	}
}

func Test_streamIndex_UnknownStream(t *testing.T) {
	// arrange
	index := streamIndex{log: &globalLog{}}

	// act
	version := index.currentVersion("cart-404")
	events := index.readBackwards("cart-404", eventstore.FromEnd(), 10)

	// assert
	assert.Equal(t, eventstore.EmptyStreamVersion, version)
	assert.Empty(t, events)
	assert.Zero(t, index.streamCount(), "reads must not create records")
}

func Test_globalLog_nextPosition(t *testing.T) {
	// arrange
	log := globalLog{}

	// act
	first := log.nextPosition()
	log.append(givenCommittedEvents(3))
	second := log.nextPosition()

	// assert
	assert.Equal(t, eventstore.GlobalPosition(0), first)
	assert.Equal(t, eventstore.GlobalPosition(3), second)
	assert.Equal(t, int64(2), log.head())
}

func Test_streamIndex_When_BatchIsNotInTheGlobalLogYet_ItStaysHidden(t *testing.T) {
	// arrange
	log := &globalLog{}
	index := streamIndex{log: log}
	record := index.record("cart-1")

	committed := []*eventstore.Event{{StreamID: "cart-1", StreamPosition: 0, GlobalPosition: 0}}
	record.append(committed)
	log.append(committed)

	inFlight := []*eventstore.Event{
		{StreamID: "cart-1", StreamPosition: 1, GlobalPosition: 1},
		{StreamID: "cart-1", StreamPosition: 2, GlobalPosition: 2},
	}

	// act
	record.append(inFlight)
	versionBefore := index.currentVersion("cart-1")
	eventsBefore := index.readForwards("cart-1", eventstore.FromStart(), 10)

	log.append(inFlight)
	versionAfter := index.currentVersion("cart-1")
	eventsAfter := index.readBackwards("cart-1", eventstore.FromEnd(), 10)

	// assert
	assert.Equal(t, int64(0), versionBefore)
	assert.Equal(t, []int64{0}, positionsOf(eventsBefore))
	assert.Equal(t, int64(2), record.version(), "writers holding the stream lock see their own batch")
	assert.Equal(t, int64(2), versionAfter)
	assert.Equal(t, []int64{2, 1, 0}, positionsOf(eventsAfter))
}
