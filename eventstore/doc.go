// Package eventstore provides the core abstractions and types of a multi-stream event store.
//
// This package defines the contract every storage backend satisfies (EventStore, Subscription),
// the event model (EntityID, StreamID, EventData, Event, positions), optimistic concurrency
// (ExpectedVersion, VersionConflictError), read and subscription starting points (From),
// event filters, snapshots and the dependency-free observability interfaces.
//
// Every event has two positions:
//   - StreamPosition: gap-free from 0 within its stream
//   - GlobalPosition: gap-free from 0 across the store, in true commit order
//
// Common usage pattern:
//
//	streamID := eventstore.DeriveStreamID("cart", cartID)
//
//	events, err := store.ReadStream(ctx, streamID, eventstore.Forward, eventstore.FromStart(), 1000)
//	if err != nil {
//		// handle error
//	}
//
//	expected := eventstore.NoStream
//	if len(events) > 0 {
//		expected = eventstore.Exact(int64(events[len(events)-1].StreamPosition))
//	}
//
//	newEvent, _ := eventstore.BuildEventDataWithEmptyMetadata("ItemAdded", payload)
//	_, err = store.Append(ctx, streamID, expected, newEvent)
//	if errors.Is(err, eventstore.ErrVersionConflict) {
//		// reread and decide again
//	}
//
//	sub, _ := store.SubscribeAll(ctx, eventstore.FromStart())
//	defer sub.Close()
//	for event := range sub.Events() {
//		// handle event
//	}
package eventstore
