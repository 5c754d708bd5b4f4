package eventstore

import (
	"strings"

	"github.com/google/uuid"
)

const streamIDSeparator = "-"

// EntityID names a domain entity (aggregate) instance.
type EntityID string

// NewEntityID returns a time-ordered random EntityID.
func NewEntityID() (EntityID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return EntityID(id.String()), nil
}

// EventID uniquely identifies a committed event.
type EventID = uuid.UUID

// StreamID identifies the ordered event sequence of one entity.
type StreamID string

// DeriveStreamID builds the StreamID of an entity from its type tag and ID, e.g. ("cart", "1") -> "cart-1".
func DeriveStreamID(entityType string, id EntityID) StreamID {
	return StreamID(entityType + streamIDSeparator + string(id))
}

// Category returns the entity type part of the StreamID, which is everything before the first "-".
// A StreamID without a separator is its own category.
func (s StreamID) Category() string {
	category, _, _ := strings.Cut(string(s), streamIDSeparator)

	return category
}

func (s StreamID) String() string {
	return string(s)
}

// StreamPosition is the zero-based, gap-free position of an event within its stream.
type StreamPosition int64

// GlobalPosition is the zero-based, gap-free position of an event across the whole store.
type GlobalPosition int64
