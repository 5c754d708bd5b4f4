package eventstore

import "context"

// AppendResult holds the positions assigned to the events of one successful append, in the order given.
type AppendResult struct {
	StreamPositions []StreamPosition
	GlobalPositions []GlobalPosition
}

// EventStore is the capability every storage backend provides.
//
// Implementations must guarantee:
//   - stream positions are gap-free from 0 within each stream
//   - global positions are gap-free from 0 across the store and follow true commit order
//   - a multi-event append is atomic, also with respect to global interleaving
//   - readers never observe a partially committed append
//   - subscriptions deliver each event of their scope exactly once, in scope order
type EventStore interface {
	// Append appends events to a stream if expectedVersion matches the stream's current version.
	// A mismatch fails with a *VersionConflictError and leaves the store unchanged.
	// An empty events list only validates expectedVersion.
	Append(ctx context.Context, streamID StreamID, expectedVersion ExpectedVersion, events ...EventData) (AppendResult, error)

	// ReadStream reads up to maxCount events of one stream. Absent streams and out-of-range positions yield an empty result.
	ReadStream(ctx context.Context, streamID StreamID, direction Direction, from From, maxCount int) (Events, error)

	// ReadAll reads up to maxCount events in global order.
	ReadAll(ctx context.Context, direction Direction, from From, maxCount int) (Events, error)

	// SubscribeStream catches up on one stream from the checkpoint and then delivers live events.
	SubscribeStream(ctx context.Context, streamID StreamID, from From, options ...SubscriptionOption) (Subscription, error)

	// SubscribeAll catches up on the global log from the checkpoint and then delivers live events.
	SubscribeAll(ctx context.Context, from From, options ...SubscriptionOption) (Subscription, error)
}
