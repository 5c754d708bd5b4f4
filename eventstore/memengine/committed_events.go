package memengine

import (
	"sync/atomic"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// committedEvents is an append-only event sequence with lock-free readers.
//
// A writer appends into spare capacity (or a new array) and then publishes the new slice header.
// Readers load the header and only ever touch elements below its length, which are never written again.
// Writers must be serialized by the owner.
type committedEvents struct {
	header atomic.Pointer[[]*eventstore.Event]
}

func (c *committedEvents) load() []*eventstore.Event {
	events := c.header.Load()
	if events == nil {
		return nil
	}

	return *events
}

func (c *committedEvents) append(batch []*eventstore.Event) {
	events := append(c.load(), batch...)
	c.header.Store(&events)
}

// lastPosition is the index of the last committed event, -1 when there is none.
func (c *committedEvents) lastPosition() int64 {
	return int64(len(c.load())) - 1
}

// readRange selects up to maxCount committed events starting at from, in the given direction.
// Arguments must be validated by the caller. The result shares the committed events.
func readRange(
	events []*eventstore.Event,
	direction eventstore.Direction,
	from eventstore.From,
	maxCount int,
) []*eventstore.Event {

	head := int64(len(events)) - 1
	start := from.Resolve(head)

	if head < 0 || start > head {
		return nil
	}

	if direction == eventstore.Forward {
		end := head + 1
		if int64(maxCount) < end-start {
			end = start + int64(maxCount)
		}

		return events[start:end:end]
	}

	end := max(start-int64(maxCount)+1, 0)
	result := make([]*eventstore.Event, 0, start-end+1)

	for i := start; i >= end; i-- {
		result = append(result, events[i])
	}

	return result
}
