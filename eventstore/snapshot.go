package eventstore

import (
	"encoding/json"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrInvalidSnapshotJSON is returned when snapshot JSON data is malformed or invalid.
	ErrInvalidSnapshotJSON = errors.New("snapshot json is not valid")

	// ErrEmptyProjectionType is returned when an empty projection type is provided.
	ErrEmptyProjectionType = errors.New("projection type must not be empty")

	// ErrSnapshotAheadOfStream is returned when a snapshot claims a stream position that was not committed yet.
	ErrSnapshotAheadOfStream = errors.New("snapshot position is ahead of the stream")
)

// Snapshot is the serialized state of a projection over one stream, taken after the event at StreamPosition.
// Rebuilding the state continues with ReadStream(..., FromPosition(StreamPosition+1), ...).
type Snapshot struct {
	ProjectionType string          // Type of projection (e.g., "ShoppingCart")
	StreamID       StreamID        // Stream the projection was built from
	StreamPosition StreamPosition  // Position of the last event folded into Data
	Data           json.RawMessage // Serialized projection state as JSON
	CreatedAt      time.Time       // When this snapshot was created/updated
}

// Validate ensures the snapshot has valid data for storage operations.
func (s Snapshot) Validate() error {
	if s.ProjectionType == "" {
		return ErrEmptyProjectionType
	}

	if s.StreamID == "" {
		return ErrEmptyStreamID
	}

	if s.StreamPosition < 0 {
		return ErrInvalidRange
	}

	if !jsoniter.ConfigFastest.Valid(s.Data) {
		return ErrInvalidSnapshotJSON
	}

	return nil
}

// BuildSnapshot creates a new Snapshot with validation.
func BuildSnapshot(
	projectionType string,
	streamID StreamID,
	streamPosition StreamPosition,
	data json.RawMessage,
	createdAt time.Time,
) (Snapshot, error) {
	snapshot := Snapshot{
		ProjectionType: projectionType,
		StreamID:       streamID,
		StreamPosition: streamPosition,
		Data:           data,
		CreatedAt:      createdAt,
	}

	if err := snapshot.Validate(); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}
