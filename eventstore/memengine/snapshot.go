package memengine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

type snapshotKey struct {
	streamID       eventstore.StreamID
	projectionType string
}

// SaveSnapshot stores or replaces the snapshot of a projection over one stream.
// A snapshot claiming a position the stream has not reached yet is rejected with eventstore.ErrSnapshotAheadOfStream.
func (es *EventStore) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	version := es.streams.currentVersion(snapshot.StreamID)
	if int64(snapshot.StreamPosition) > version {
		return fmt.Errorf(
			"%w: position %d, stream %q is at %d",
			eventstore.ErrSnapshotAheadOfStream,
			snapshot.StreamPosition,
			snapshot.StreamID,
			version,
		)
	}

	stored := snapshot
	stored.Data = bytes.Clone(snapshot.Data)
	es.snapshots.Store(snapshotKey{streamID: snapshot.StreamID, projectionType: snapshot.ProjectionType}, stored)

	es.logInfo(
		ctx,
		logMsgOperation+logMsgSnapshotSaved,
		logAttrStreamID, snapshot.StreamID.String(),
		logAttrProjectionType, snapshot.ProjectionType,
		logAttrStreamPosition, int64(snapshot.StreamPosition),
	)

	return nil
}

// LoadSnapshot returns the stored snapshot, or nil and no error if there is none.
func (es *EventStore) LoadSnapshot(
	ctx context.Context,
	streamID eventstore.StreamID,
	projectionType string,
) (*eventstore.Snapshot, error) {

	if err := validateSnapshotKey(streamID, projectionType); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored, ok := es.snapshots.Load(snapshotKey{streamID: streamID, projectionType: projectionType})
	if !ok {
		return nil, nil //nolint:nilnil
	}

	snapshot := stored.(eventstore.Snapshot)
	snapshot.Data = bytes.Clone(snapshot.Data)

	es.logDebug(
		ctx,
		logMsgOperation+logMsgSnapshotLoaded,
		logAttrStreamID, streamID.String(),
		logAttrProjectionType, projectionType,
		logAttrStreamPosition, int64(snapshot.StreamPosition),
	)

	return &snapshot, nil
}

// DeleteSnapshot removes a snapshot. Deleting a missing snapshot is not an error.
func (es *EventStore) DeleteSnapshot(ctx context.Context, streamID eventstore.StreamID, projectionType string) error {
	if err := validateSnapshotKey(streamID, projectionType); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	es.snapshots.Delete(snapshotKey{streamID: streamID, projectionType: projectionType})

	es.logInfo(
		ctx,
		logMsgOperation+logMsgSnapshotDeleted,
		logAttrStreamID, streamID.String(),
		logAttrProjectionType, projectionType,
	)

	return nil
}

func validateSnapshotKey(streamID eventstore.StreamID, projectionType string) error {
	if projectionType == "" {
		return eventstore.ErrEmptyProjectionType
	}

	if streamID == "" {
		return eventstore.ErrEmptyStreamID
	}

	return nil
}
