package memengine

import (
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// globalLog is the store-wide total order of events. Its writers hold the EventStore's sequencer.
type globalLog struct {
	events committedEvents
}

// nextPosition is the GlobalPosition the next appended event receives.
func (l *globalLog) nextPosition() eventstore.GlobalPosition {
	return eventstore.GlobalPosition(len(l.events.load()))
}

// append publishes a batch that was stamped with consecutive positions starting at nextPosition.
func (l *globalLog) append(batch []*eventstore.Event) []eventstore.GlobalPosition {
	positions := make([]eventstore.GlobalPosition, len(batch))
	for i, event := range batch {
		positions[i] = event.GlobalPosition
	}

	l.events.append(batch)

	return positions
}

// head is the position of the last event, -1 when the log is empty.
func (l *globalLog) head() int64 {
	return l.events.lastPosition()
}

func (l *globalLog) read(direction eventstore.Direction, from eventstore.From, maxCount int) []*eventstore.Event {
	return readRange(l.events.load(), direction, from, maxCount)
}

func (l *globalLog) readAllForwards(from eventstore.From, maxCount int) []*eventstore.Event {
	return l.read(eventstore.Forward, from, maxCount)
}

func (l *globalLog) readAllBackwards(from eventstore.From, maxCount int) []*eventstore.Event {
	return l.read(eventstore.Backward, from, maxCount)
}
