package helper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

const (
	CartEntityType          = "cart"
	ItemAddedEventType      = "ItemAdded"
	CartCheckedOutEventType = "CartCheckedOut"
)

// ErrIDGeneratorFailed is the error produced by FailingIDGenerator.
var ErrIDGeneratorFailed = errors.New("id generator failed")

func GivenUniqueEntityID(t testing.TB) eventstore.EntityID {
	id, err := eventstore.NewEntityID()
	assert.NoError(t, err, "error in arranging test data")

	return id
}

func GivenUniqueCartStreamID(t testing.TB) eventstore.StreamID {
	return eventstore.DeriveStreamID(CartEntityType, GivenUniqueEntityID(t))
}

// FixtureItemAdded is an ItemAdded event with a JSON payload naming the item.
func FixtureItemAdded(t testing.TB, item int) eventstore.EventData {
	data, err := eventstore.BuildEventData(
		ItemAddedEventType,
		[]byte(fmt.Sprintf(`{"sku":"SKU-%d","quantity":1}`, item)),
		[]byte(`{"causation":"test"}`),
	)
	require.NoError(t, err, "error in arranging test data")

	return data
}

// FixtureItemsAdded returns count ItemAdded events numbered from 0.
func FixtureItemsAdded(t testing.TB, count int) []eventstore.EventData {
	events := make([]eventstore.EventData, 0, count)
	for i := range count {
		events = append(events, FixtureItemAdded(t, i))
	}

	return events
}

func FixtureCartCheckedOut(t testing.TB) eventstore.EventData {
	data, err := eventstore.BuildEventDataWithEmptyMetadata(CartCheckedOutEventType, []byte(`{}`))
	require.NoError(t, err, "error in arranging test data")

	return data
}

func GivenEventsWereAppended(
	t testing.TB,
	ctx context.Context,
	es eventstore.EventStore,
	streamID eventstore.StreamID,
	expectedVersion eventstore.ExpectedVersion,
	events ...eventstore.EventData,
) eventstore.AppendResult {

	result, err := es.Append(ctx, streamID, expectedVersion, events...)
	require.NoError(t, err, "error in arranging test data")

	return result
}

// FakeClock returns a clock that advances by one second per call, starting one second after time.Unix(0, 0).
func FakeClock() func() time.Time {
	var ticks atomic.Int64

	return func() time.Time {
		return time.Unix(ticks.Add(1), 0).UTC()
	}
}

// SequentialIDGenerator returns deterministic, increasing event IDs.
func SequentialIDGenerator() func() (uuid.UUID, error) {
	var counter atomic.Uint64

	return func() (uuid.UUID, error) {
		var id uuid.UUID
		binary.BigEndian.PutUint64(id[8:], counter.Add(1))

		return id, nil
	}
}

// FailingIDGenerator succeeds successfulCalls times and then fails with ErrIDGeneratorFailed.
func FailingIDGenerator(successfulCalls int) func() (uuid.UUID, error) {
	var calls atomic.Int64
	next := SequentialIDGenerator()

	return func() (uuid.UUID, error) {
		if calls.Add(1) > int64(successfulCalls) {
			return uuid.Nil, ErrIDGeneratorFailed
		}

		return next()
	}
}

// ReceiveEvents reads count events from the subscription or fails the test after timeout.
func ReceiveEvents(t testing.TB, subscription eventstore.Subscription, count int, timeout time.Duration) eventstore.Events {
	received := make(eventstore.Events, 0, count)
	deadline := time.After(timeout)

	for len(received) < count {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				require.FailNow(t, "subscription closed early", "received %d of %d events, err: %v",
					len(received), count, subscription.Err())
			}
			received = append(received, event)

		case <-deadline:
			require.FailNow(t, "timed out waiting for events", "received %d of %d events", len(received), count)
		}
	}

	return received
}

// AssertNoEventWithin fails the test if the subscription yields an event within wait.
func AssertNoEventWithin(t testing.TB, subscription eventstore.Subscription, wait time.Duration) {
	select {
	case event, ok := <-subscription.Events():
		if ok {
			assert.Fail(t, "unexpected event", "got %s at global position %d", event.EventType, event.GlobalPosition)
		}
	case <-time.After(wait):
	}
}

// GlobalPositionsOf extracts the global positions of events.
func GlobalPositionsOf(events eventstore.Events) []eventstore.GlobalPosition {
	positions := make([]eventstore.GlobalPosition, 0, len(events))
	for _, event := range events {
		positions = append(positions, event.GlobalPosition)
	}

	return positions
}

// StreamPositionsOf extracts the stream positions of events.
func StreamPositionsOf(events eventstore.Events) []eventstore.StreamPosition {
	positions := make([]eventstore.StreamPosition, 0, len(events))
	for _, event := range events {
		positions = append(positions, event.StreamPosition)
	}

	return positions
}
