package memengine_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
	. "github.com/AntonStoeckl/streams-eventstore-go/testutil/helper" //nolint:revive
)

const cartProjection = "CartTotals"

func Test_Snapshot_SaveLoadDelete(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logHandler := NewLogHandlerSpy(false)
	es := newEventStore(t, memengine.WithLogger(slog.New(logHandler)))

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 3)...)

	data := json.RawMessage(`{"items":3}`)
	snapshot, err := eventstore.BuildSnapshot(cartProjection, streamID, 2, data, time.Unix(10, 0).UTC())
	require.NoError(t, err)

	// act
	saveErr := es.SaveSnapshot(ctxWithTimeout, snapshot)
	data[2] = 'X'
	loaded, loadErr := es.LoadSnapshot(ctxWithTimeout, streamID, cartProjection)

	// assert
	require.NoError(t, saveErr)
	require.NoError(t, loadErr)
	require.NotNil(t, loaded)
	assert.Equal(t, eventstore.StreamPosition(2), loaded.StreamPosition)
	assert.JSONEq(t, `{"items":3}`, string(loaded.Data), "stored data should be a copy")
	assert.Equal(t, time.Unix(10, 0).UTC(), loaded.CreatedAt)

	assert.True(t, logHandler.HasInfoLogWithMessage("eventstore operation: snapshot saved").
		WithAttr("projection_type", cartProjection).
		WithAttr("stream_position", "2").
		Assert())

	// act
	deleteErr := es.DeleteSnapshot(ctxWithTimeout, streamID, cartProjection)
	secondDeleteErr := es.DeleteSnapshot(ctxWithTimeout, streamID, cartProjection)
	afterDelete, afterDeleteErr := es.LoadSnapshot(ctxWithTimeout, streamID, cartProjection)

	// assert
	assert.NoError(t, deleteErr)
	assert.NoError(t, secondDeleteErr, "deleting a missing snapshot is not an error")
	assert.NoError(t, afterDeleteErr)
	assert.Nil(t, afterDelete)
}

func Test_Snapshot_Save_ReplacesPreviousSnapshot(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 5)...)

	first, err := eventstore.BuildSnapshot(cartProjection, streamID, 1, json.RawMessage(`{"items":2}`), time.Now())
	require.NoError(t, err)
	second, err := eventstore.BuildSnapshot(cartProjection, streamID, 4, json.RawMessage(`{"items":5}`), time.Now())
	require.NoError(t, err)
	other, err := eventstore.BuildSnapshot("CartItemCount", streamID, 0, json.RawMessage(`1`), time.Now())
	require.NoError(t, err)

	// act
	require.NoError(t, es.SaveSnapshot(ctxWithTimeout, first))
	require.NoError(t, es.SaveSnapshot(ctxWithTimeout, second))
	require.NoError(t, es.SaveSnapshot(ctxWithTimeout, other))

	loaded, err := es.LoadSnapshot(ctxWithTimeout, streamID, cartProjection)

	// assert
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, eventstore.StreamPosition(4), loaded.StreamPosition)

	remaining, err := es.ReadStream(
		ctxWithTimeout, streamID, eventstore.Forward, eventstore.FromPosition(int64(loaded.StreamPosition)+1), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining, "the snapshot covers the whole stream")
}

func Test_Snapshot_When_Input_IsInvalid(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemAdded(t, 0))

	testCases := []struct {
		description string
		snapshot    eventstore.Snapshot
		expectedErr error
	}{
		{
			description: "ahead of the stream",
			snapshot:    eventstore.Snapshot{ProjectionType: cartProjection, StreamID: streamID, StreamPosition: 1, Data: json.RawMessage(`{}`)},
			expectedErr: eventstore.ErrSnapshotAheadOfStream,
		},
		{
			description: "unknown stream",
			snapshot:    eventstore.Snapshot{ProjectionType: cartProjection, StreamID: GivenUniqueCartStreamID(t), Data: json.RawMessage(`{}`)},
			expectedErr: eventstore.ErrSnapshotAheadOfStream,
		},
		{
			description: "malformed json",
			snapshot:    eventstore.Snapshot{ProjectionType: cartProjection, StreamID: streamID, Data: json.RawMessage(`{"items":`)},
			expectedErr: eventstore.ErrInvalidSnapshotJSON,
		},
		{
			description: "empty projection type",
			snapshot:    eventstore.Snapshot{StreamID: streamID, Data: json.RawMessage(`{}`)},
			expectedErr: eventstore.ErrEmptyProjectionType,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			// act
			err := es.SaveSnapshot(ctxWithTimeout, tc.snapshot)

			// assert
			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}

	t.Run("load with empty stream id", func(t *testing.T) {
		_, err := es.LoadSnapshot(ctxWithTimeout, "", cartProjection)
		assert.ErrorIs(t, err, eventstore.ErrEmptyStreamID)
	})

	t.Run("delete with empty projection type", func(t *testing.T) {
		err := es.DeleteSnapshot(ctxWithTimeout, streamID, "")
		assert.ErrorIs(t, err, eventstore.ErrEmptyProjectionType)
	})
}
