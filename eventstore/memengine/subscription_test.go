package memengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
	. "github.com/AntonStoeckl/streams-eventstore-go/testutil/helper" //nolint:revive
)

const receiveTimeout = 5 * time.Second

func Test_SubscribeAll_CatchesUp_ThenDeliversLiveEvents(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	cart1 := eventstore.DeriveStreamID(CartEntityType, GivenUniqueEntityID(t))
	cart2 := eventstore.DeriveStreamID(CartEntityType, GivenUniqueEntityID(t))
	GivenEventsWereAppended(t, ctxWithTimeout, es, cart1, eventstore.NoStream, FixtureItemsAdded(t, 2)...)
	GivenEventsWereAppended(t, ctxWithTimeout, es, cart2, eventstore.NoStream, FixtureItemAdded(t, 0))

	// act
	subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromStart())
	require.NoError(t, err)
	defer func() { _ = subscription.Close() }()

	historical := ReceiveEvents(t, subscription, 3, receiveTimeout)
	GivenEventsWereAppended(t, ctxWithTimeout, es, cart1, eventstore.Exact(1), FixtureCartCheckedOut(t))
	live := ReceiveEvents(t, subscription, 1, receiveTimeout)

	// assert
	assert.Equal(t, []eventstore.GlobalPosition{0, 1, 2}, GlobalPositionsOf(historical))
	assert.Equal(t, cart2, historical[2].StreamID)

	assert.Equal(t, []eventstore.GlobalPosition{3}, GlobalPositionsOf(live))
	assert.Equal(t, cart1, live[0].StreamID)
	assert.Equal(t, eventstore.StreamPosition(2), live[0].StreamPosition)
	assert.Equal(t, CartCheckedOutEventType, live[0].EventType)

	assert.Eventually(t, func() bool {
		return subscription.State() == eventstore.SubscriptionLive
	}, receiveTimeout, time.Millisecond)
	assert.True(t, subscription.Scope().IsGlobal())
	assert.NotEmpty(t, subscription.ID())
	AssertNoEventWithin(t, subscription, 50*time.Millisecond)
}

func Test_SubscribeStream_DeliversOnlyEventsOfItsStream(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	otherStreamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemAdded(t, 0))
	GivenEventsWereAppended(t, ctxWithTimeout, es, otherStreamID, eventstore.NoStream, FixtureItemsAdded(t, 3)...)

	// act
	subscription, err := es.SubscribeStream(ctxWithTimeout, streamID, eventstore.FromStart())
	require.NoError(t, err)
	defer func() { _ = subscription.Close() }()

	GivenEventsWereAppended(t, ctxWithTimeout, es, otherStreamID, eventstore.Exact(2), FixtureCartCheckedOut(t))
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.Exact(0), FixtureItemAdded(t, 1), FixtureCartCheckedOut(t))
	received := ReceiveEvents(t, subscription, 3, receiveTimeout)

	// assert
	assert.Equal(t, []eventstore.StreamPosition{0, 1, 2}, StreamPositionsOf(received))
	assert.Equal(t, []eventstore.GlobalPosition{0, 5, 6}, GlobalPositionsOf(received))
	for _, event := range received {
		assert.Equal(t, streamID, event.StreamID)
	}

	assert.Equal(t, streamID, subscription.Scope().StreamID)
	AssertNoEventWithin(t, subscription, 50*time.Millisecond)
}

func Test_Subscribe_FromEnd_And_FromPosition(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 5)...)

	t.Run("from end skips history", func(t *testing.T) {
		// arrange
		version := es.CurrentVersion(streamID)

		// act
		subscription, err := es.SubscribeStream(ctxWithTimeout, streamID, eventstore.FromEnd())
		require.NoError(t, err)
		defer func() { _ = subscription.Close() }()

		AssertNoEventWithin(t, subscription, 50*time.Millisecond)
		GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.Exact(version), FixtureItemAdded(t, 99))
		received := ReceiveEvents(t, subscription, 1, receiveTimeout)

		// assert
		assert.Equal(t, []eventstore.StreamPosition{eventstore.StreamPosition(version + 1)}, StreamPositionsOf(received))
	})

	t.Run("from position delivers events after the checkpoint", func(t *testing.T) {
		// act
		subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromPosition(2))
		require.NoError(t, err)
		defer func() { _ = subscription.Close() }()

		received := ReceiveEvents(t, subscription, 3, receiveTimeout)

		// assert
		assert.Equal(t, []eventstore.GlobalPosition{3, 4, 5}, GlobalPositionsOf(received))
	})

	t.Run("from a position beyond the head waits for it", func(t *testing.T) {
		// arrange
		head := es.HeadPosition()

		// act
		subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromPosition(head+1))
		require.NoError(t, err)
		defer func() { _ = subscription.Close() }()

		GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.AnyVersion, FixtureItemsAdded(t, 2)...)
		received := ReceiveEvents(t, subscription, 1, receiveTimeout)

		// assert
		assert.Equal(t, []eventstore.GlobalPosition{eventstore.GlobalPosition(head + 2)}, GlobalPositionsOf(received))
	})
}

func Test_SubscribeAll_When_WritersAppendConcurrently_DeliversEveryEventOnceInOrder(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	es := newEventStore(t, memengine.WithCatchUpPageSize(7))

	// arrange
	writers := 4
	appendsPerWriter := 50
	GivenEventsWereAppended(t, ctxWithTimeout, es, GivenUniqueCartStreamID(t), eventstore.NoStream, FixtureItemsAdded(t, 20)...)

	// act
	subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromStart())
	require.NoError(t, err)
	defer func() { _ = subscription.Close() }()

	wg := sync.WaitGroup{}
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			streamID := GivenUniqueCartStreamID(t)
			for i := range appendsPerWriter {
				_, appendErr := es.Append(ctxWithTimeout, streamID, eventstore.AtVersion(int64(i)-1), FixtureItemAdded(t, i))
				assert.NoError(t, appendErr)
			}
		}()
	}

	received := ReceiveEvents(t, subscription, 20+writers*appendsPerWriter, receiveTimeout)
	wg.Wait()

	// assert
	for i, event := range received {
		assert.Equal(t, eventstore.GlobalPosition(i), event.GlobalPosition, "gap or duplicate at index %d", i)
	}

	AssertNoEventWithin(t, subscription, 50*time.Millisecond)
}

func Test_Subscribe_With_Matcher_DeliversOnlyMatchingEvents(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	cartStreamID := GivenUniqueCartStreamID(t)
	orderStreamID := eventstore.DeriveStreamID("order", GivenUniqueEntityID(t))
	filter := eventstore.BuildEventFilter().
		Matching().
		AnyEventTypeOf(CartCheckedOutEventType).
		AndAnyCategoryOf(CartEntityType).
		Finalize()

	GivenEventsWereAppended(t, ctxWithTimeout, es, cartStreamID, eventstore.NoStream, FixtureItemsAdded(t, 2)...)

	// act
	subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromStart(), eventstore.WithMatcher(filter))
	require.NoError(t, err)
	defer func() { _ = subscription.Close() }()

	GivenEventsWereAppended(t, ctxWithTimeout, es, orderStreamID, eventstore.NoStream, FixtureCartCheckedOut(t))
	GivenEventsWereAppended(t, ctxWithTimeout, es, cartStreamID, eventstore.Exact(1), FixtureCartCheckedOut(t))
	received := ReceiveEvents(t, subscription, 1, receiveTimeout)

	// assert
	assert.Equal(t, cartStreamID, received[0].StreamID)
	assert.Equal(t, eventstore.GlobalPosition(3), received[0].GlobalPosition)
	AssertNoEventWithin(t, subscription, 50*time.Millisecond)
}

func Test_Subscribe_When_ConsumerFallsBehind_ClosesWithOverrun(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	streamID := GivenUniqueCartStreamID(t)

	subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromStart())
	require.NoError(t, err)
	defer func() { _ = subscription.Close() }()

	// act
	for i := range 10_000 {
		_, appendErr := es.Append(ctxWithTimeout, streamID, eventstore.AtVersion(int64(i)-1), FixtureItemAdded(t, i))
		require.NoError(t, appendErr, "appends must not be blocked or failed by a slow consumer")
	}

	// assert
	assert.Eventually(t, func() bool {
		return subscription.State() == eventstore.SubscriptionClosed
	}, receiveTimeout, time.Millisecond)

	var overrun *eventstore.SubscriptionOverrunError
	require.ErrorAs(t, subscription.Err(), &overrun)
	assert.ErrorIs(t, subscription.Err(), eventstore.ErrSubscriptionOverrun)
	assert.Equal(t, subscription.ID(), overrun.SubscriptionID)
	assert.Equal(t, memengine.DefaultSubscriptionBufferSize, overrun.BufferSize)

	delivered := 0
	for range subscription.Events() {
		delivered++
	}
	assert.LessOrEqual(t, delivered, 1, "at most the event in flight is still handed over")
	assert.Equal(t, int64(9_999), es.CurrentVersion(streamID))
}

func Test_Subscribe_With_SmallBuffer_OverrunsEarly(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es := newEventStore(t, memengine.WithSubscriptionBufferSize(4096))

	// arrange
	subscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromEnd(), eventstore.WithBufferSize(2))
	require.NoError(t, err)
	defer func() { _ = subscription.Close() }()

	// act
	GivenEventsWereAppended(t, ctxWithTimeout, es, GivenUniqueCartStreamID(t), eventstore.NoStream, FixtureItemsAdded(t, 10)...)

	// assert
	assert.Eventually(t, func() bool {
		return subscription.State() == eventstore.SubscriptionClosed
	}, receiveTimeout, time.Millisecond)

	var overrun *eventstore.SubscriptionOverrunError
	require.ErrorAs(t, subscription.Err(), &overrun)
	assert.Equal(t, 2, overrun.BufferSize)
}

func Test_Subscription_Close(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es := newEventStore(t)

	// arrange
	streamID := GivenUniqueCartStreamID(t)
	GivenEventsWereAppended(t, ctxWithTimeout, es, streamID, eventstore.NoStream, FixtureItemsAdded(t, 3)...)

	subscription, err := es.SubscribeStream(ctxWithTimeout, streamID, eventstore.FromStart())
	require.NoError(t, err)
	ReceiveEvents(t, subscription, 1, receiveTimeout)

	// act
	firstErr := subscription.Close()
	secondErr := subscription.Close()

	// assert
	assert.NoError(t, firstErr)
	assert.NoError(t, secondErr)
	assert.Equal(t, eventstore.SubscriptionClosed, subscription.State())
	assert.NoError(t, subscription.Err(), "a closed-by-caller subscription has no error")

	_, open := <-subscription.Events()
	assert.False(t, open, "events channel should be closed")

	_, appendErr := es.Append(ctxWithTimeout, streamID, eventstore.Exact(2), FixtureCartCheckedOut(t))
	assert.NoError(t, appendErr, "appending after unsubscribing should work")
}

func Test_Subscription_When_Context_IsCanceled(t *testing.T) {
	// setup
	ctx, cancel := context.WithCancel(context.Background())

	es := newEventStore(t)

	// arrange
	subscription, err := es.SubscribeAll(ctx, eventstore.FromStart())
	require.NoError(t, err)

	// act
	cancel()

	// assert
	assert.Eventually(t, func() bool {
		return subscription.State() == eventstore.SubscriptionClosed
	}, receiveTimeout, time.Millisecond)
	assert.ErrorIs(t, subscription.Err(), context.Canceled)
}

func Test_Subscription_When_EventStore_IsClosed(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	es, err := memengine.NewEventStore()
	require.NoError(t, err)

	// arrange
	streamSubscription, err := es.SubscribeStream(ctxWithTimeout, GivenUniqueCartStreamID(t), eventstore.FromStart())
	require.NoError(t, err)
	allSubscription, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromStart())
	require.NoError(t, err)

	// act
	require.NoError(t, es.Close())

	// assert
	for _, subscription := range []eventstore.Subscription{streamSubscription, allSubscription} {
		assert.Equal(t, eventstore.SubscriptionClosed, subscription.State(), "Close should wait for subscriptions")
		assert.ErrorIs(t, subscription.Err(), eventstore.ErrEventStoreClosed)
		assert.NoError(t, subscription.Close(), "closing a closed subscription is a no-op")
	}
}

func Test_Subscribe_When_Input_IsInvalid(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	es := newEventStore(t)

	t.Run("empty stream id", func(t *testing.T) {
		_, err := es.SubscribeStream(ctxWithTimeout, "", eventstore.FromStart())
		assert.ErrorIs(t, err, eventstore.ErrEmptyStreamID)
	})

	t.Run("negative position", func(t *testing.T) {
		_, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromPosition(-2))
		assert.ErrorIs(t, err, eventstore.ErrInvalidRange)
	})

	t.Run("non-positive buffer size", func(t *testing.T) {
		_, err := es.SubscribeAll(ctxWithTimeout, eventstore.FromStart(), eventstore.WithBufferSize(0))
		assert.ErrorIs(t, err, eventstore.ErrInvalidBufferSize)
	})
}

// subscribeWhileWriting runs writers and opens one subscription per offset as soon as the global head reaches it,
// so registrations race with commits in flight.
func subscribeWhileWriting(
	t *testing.T,
	ctx context.Context,
	es *memengine.EventStore,
	offsets []int64,
	write func(writer int),
	writers int,
	subscribe func() (eventstore.Subscription, error),
) []eventstore.Subscription {

	t.Helper()

	subscriptions := make([]eventstore.Subscription, len(offsets))
	subscribeErrs := make([]error, len(offsets))

	wg := sync.WaitGroup{}
	for writer := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			write(writer)
		}()
	}

	for i, offset := range offsets {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for es.HeadPosition() < offset && ctx.Err() == nil {
				time.Sleep(10 * time.Microsecond)
			}

			subscriptions[i], subscribeErrs[i] = subscribe()
		}()
	}
	wg.Wait()

	for i, err := range subscribeErrs {
		require.NoError(t, err, "subscription %d", i)
		t.Cleanup(func() { _ = subscriptions[i].Close() })
	}

	return subscriptions
}

func Test_SubscribeAll_When_SubscribingWhileWritersCommit_DeliversEveryEventOnceInOrder(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	writers := 4
	appendsPerWriter := 60
	batchSize := 2
	total := writers * appendsPerWriter * batchSize
	offsets := []int64{-1, 10, 75, 150, 300, 420}

	for round := range 20 {
		es := newEventStore(t, memengine.WithCatchUpPageSize(16))

		// act
		subscriptions := subscribeWhileWriting(t, ctxWithTimeout, es, offsets,
			func(int) {
				streamID := GivenUniqueCartStreamID(t)
				for range appendsPerWriter {
					_, err := es.Append(ctxWithTimeout, streamID, eventstore.AnyVersion, FixtureItemsAdded(t, batchSize)...)
					assert.NoError(t, err)
				}
			},
			writers,
			func() (eventstore.Subscription, error) {
				return es.SubscribeAll(ctxWithTimeout, eventstore.FromStart(), eventstore.WithBufferSize(total))
			},
		)

		// assert
		for i, subscription := range subscriptions {
			received := ReceiveEvents(t, subscription, total, receiveTimeout)
			for position, event := range received {
				require.Equal(t, eventstore.GlobalPosition(position), event.GlobalPosition,
					"round %d, subscription %d: gap or duplicate", round, i)
			}

			AssertNoEventWithin(t, subscription, time.Millisecond)
		}
	}
}

func Test_SubscribeStream_When_SubscribingWhileWritersCommit_DeliversEveryEventOnceInOrder(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	writers := 4
	appendsPerWriter := 60
	batchSize := 2
	offsets := []int64{-1, 20, 120, 250, 400}

	for round := range 20 {
		es := newEventStore(t, memengine.WithCatchUpPageSize(16))
		sharedStreamID := GivenUniqueCartStreamID(t)
		sharedEvents := (writers / 2) * appendsPerWriter * batchSize

		// act
		subscriptions := subscribeWhileWriting(t, ctxWithTimeout, es, offsets,
			func(writer int) {
				// half the writers contend on the observed stream, the others interleave foreign events
				streamID := sharedStreamID
				if writer%2 == 1 {
					streamID = GivenUniqueCartStreamID(t)
				}

				for range appendsPerWriter {
					_, err := es.Append(ctxWithTimeout, streamID, eventstore.AnyVersion, FixtureItemsAdded(t, batchSize)...)
					assert.NoError(t, err)
				}
			},
			writers,
			func() (eventstore.Subscription, error) {
				return es.SubscribeStream(ctxWithTimeout, sharedStreamID, eventstore.FromStart(), eventstore.WithBufferSize(sharedEvents))
			},
		)

		// assert
		for i, subscription := range subscriptions {
			received := ReceiveEvents(t, subscription, sharedEvents, receiveTimeout)
			for position, event := range received {
				require.Equal(t, sharedStreamID, event.StreamID)
				require.Equal(t, eventstore.StreamPosition(position), event.StreamPosition,
					"round %d, subscription %d: gap or duplicate", round, i)
			}

			AssertNoEventWithin(t, subscription, time.Millisecond)
		}
	}
}
