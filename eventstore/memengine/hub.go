package memengine

import (
	"sync"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// subscriptionHub fans committed events out to the live queues of its subscriptions.
//
// publish runs under the EventStore's sequencer and holds the read lock, register holds the write lock.
// This makes registering a subscription and capturing its catch-up boundary atomic with respect to publishing.
type subscriptionHub struct {
	mu            sync.RWMutex
	subscriptions map[*subscription]struct{}
	closed        bool
}

func newSubscriptionHub() *subscriptionHub {
	return &subscriptionHub{subscriptions: make(map[*subscription]struct{})}
}

// register adds s for live delivery and captures its catch-up boundary with head.
func (h *subscriptionHub) register(s *subscription, head func() int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return eventstore.ErrEventStoreClosed
	}

	h.subscriptions[s] = struct{}{}
	s.startFrom(head())

	return nil
}

func (h *subscriptionHub) unregister(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscriptions, s)
}

// publish enqueues a committed batch to every subscription in scope. It never blocks on a consumer.
func (h *subscriptionHub) publish(batch []*eventstore.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subscriptions {
		s.enqueue(batch)
	}
}

// closeAll rejects further registrations and closes every subscription with reason.
// It returns the closed subscriptions so the caller can wait for them outside the lock.
func (h *subscriptionHub) closeAll(reason error) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	closing := make([]*subscription, 0, len(h.subscriptions))
	for s := range h.subscriptions {
		s.stop(reason)
		closing = append(closing, s)
	}

	return closing
}

func (h *subscriptionHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscriptions)
}
