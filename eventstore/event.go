package eventstore

import (
	"bytes"
	"time"
)

// EventData is the input of an append: a type tag plus opaque payload and metadata bytes.
//
// While its properties are exported, it should be constructed with one of the factory methods:
//   - BuildEventData
//   - BuildEventDataWithEmptyMetadata
type EventData struct {
	EventType string
	Payload   []byte
	Metadata  []byte
}

// BuildEventData is a factory method for EventData.
//
// Payload and metadata are opaque to the store and copied, nil is normalized to an empty slice.
// Returns ErrEmptyEventType if eventType is empty.
func BuildEventData(eventType string, payload []byte, metadata []byte) (EventData, error) {
	if eventType == "" {
		return EventData{}, ErrEmptyEventType
	}

	return EventData{
		EventType: eventType,
		Payload:   cloneBytes(payload),
		Metadata:  cloneBytes(metadata),
	}, nil
}

// BuildEventDataWithEmptyMetadata is a factory method for EventData without metadata.
func BuildEventDataWithEmptyMetadata(eventType string, payload []byte) (EventData, error) {
	return BuildEventData(eventType, payload, nil)
}

// Validate checks the invariants that the factory methods enforce, for EventData built as a literal.
func (d EventData) Validate() error {
	if d.EventType == "" {
		return ErrEmptyEventType
	}

	return nil
}

// Events is an alias type for a slice of Event.
type Events = []Event

// Event is a committed, immutable event as returned by reads and subscriptions.
//
// Events carry copies of the stored bytes, so modifying Payload or Metadata never affects the store.
type Event struct {
	ID             EventID
	StreamID       StreamID
	StreamPosition StreamPosition
	GlobalPosition GlobalPosition
	EventType      string
	Payload        []byte
	Metadata       []byte
	RecordedAt     time.Time
}

// Clone returns a deep copy of the Event.
func (e Event) Clone() Event {
	e.Payload = cloneBytes(e.Payload)
	e.Metadata = cloneBytes(e.Metadata)

	return e
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	return bytes.Clone(b)
}
