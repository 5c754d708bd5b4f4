// Package memengine provides the in-memory implementation of eventstore.EventStore.
//
// The store keeps two indexes over the same immutable events: a per-stream index and the global log.
// Both are append-only and read without locks, so reads never wait for writers and never observe
// a partially committed append.
//
// Concurrency model:
//   - each stream has its own lock, held for the whole append to that stream
//   - a store-wide sequencer is held only while global positions are assigned and the batch is published
//   - subscriptions are fed by a hub that never blocks a writer; a subscription whose consumer falls
//     behind its buffer is closed with a *eventstore.SubscriptionOverrunError
//
// Basic usage:
//
//	es, err := memengine.NewEventStore(
//		memengine.WithLogger(slog.Default()),
//		memengine.WithSubscriptionBufferSize(4096),
//	)
//	if err != nil {
//		// handle error
//	}
//	defer es.Close()
//
//	result, err := es.Append(ctx, streamID, eventstore.NoStream, events...)
//
// Observability is optional. Without a Logger, MetricsCollector or TracingCollector the store does no extra work.
package memengine
