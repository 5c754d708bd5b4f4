package memengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

// subscription implements eventstore.Subscription with one delivery goroutine.
//
// The goroutine first replays history through the read path up to the boundary captured at registration,
// then drains the live queue the hub fills. Its cursor (lastDelivered) is the position of the last event
// handed on or skipped by the matcher. Events at or below the cursor are discarded.
type subscription struct {
	id         string
	scope      eventstore.SubscriptionScope
	from       eventstore.From
	matcher    eventstore.EventMatcher
	bufferSize int
	pageSize   int

	ctx context.Context
	es  *EventStore

	// set by startFrom under the hub's write lock
	boundary int64
	skipUpTo int64

	// owned by the delivery goroutine
	lastDelivered int64

	mu      sync.Mutex
	pending []*eventstore.Event
	reason  error

	signal   chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	events chan eventstore.Event
	state  atomic.Int32
}

var _ eventstore.Subscription = (*subscription)(nil)

func newSubscription(
	ctx context.Context,
	es *EventStore,
	scope eventstore.SubscriptionScope,
	from eventstore.From,
	options eventstore.SubscriptionOptions,
) *subscription {

	bufferSize := options.BufferSize
	if bufferSize == 0 {
		bufferSize = es.subscriptionBufferSize
	}

	s := &subscription{
		id:         uuid.NewString(),
		scope:      scope,
		from:       from,
		matcher:    options.Matcher,
		bufferSize: bufferSize,
		pageSize:   es.catchUpPageSize,
		ctx:        ctx,
		es:         es,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		events:     make(chan eventstore.Event),
	}
	s.state.Store(int32(eventstore.SubscriptionCatchingUp))

	return s
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Scope() eventstore.SubscriptionScope {
	return s.scope
}

func (s *subscription) Events() <-chan eventstore.Event {
	return s.events
}

func (s *subscription) State() eventstore.SubscriptionState {
	return eventstore.SubscriptionState(s.state.Load())
}

// Err returns the close reason once the subscription is closed, nil before.
func (s *subscription) Err() error {
	if s.State() != eventstore.SubscriptionClosed {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason
}

// Close stops delivery and waits until the delivery goroutine has exited. Calling it again is a no-op.
func (s *subscription) Close() error {
	s.stop(nil)
	<-s.stopped

	return nil
}

// startFrom captures the catch-up boundary. Called by the hub while it holds the write lock.
func (s *subscription) startFrom(head int64) {
	s.boundary = head
	s.lastDelivered = s.from.Checkpoint(head)
	s.skipUpTo = max(s.boundary, s.lastDelivered)
}

// stop requests the goroutine to exit. The first reason wins. It never blocks.
func (s *subscription) stop(reason error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()

		close(s.done)
	})
}

func (s *subscription) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason
}

func (s *subscription) inScope(event *eventstore.Event) bool {
	return s.scope.IsGlobal() || event.StreamID == s.scope.StreamID
}

func (s *subscription) position(event *eventstore.Event) int64 {
	if s.scope.IsGlobal() {
		return int64(event.GlobalPosition)
	}

	return int64(event.StreamPosition)
}

// enqueue is called by the hub under the sequencer. A full queue closes the subscription instead of waiting.
func (s *subscription) enqueue(batch []*eventstore.Event) {
	if s.stopping() {
		return
	}

	s.mu.Lock()
	for _, event := range batch {
		if !s.inScope(event) || s.position(event) <= s.skipUpTo {
			continue
		}

		if len(s.pending) >= s.bufferSize {
			s.mu.Unlock()
			s.stop(&eventstore.SubscriptionOverrunError{SubscriptionID: s.id, BufferSize: s.bufferSize})

			return
		}

		s.pending = append(s.pending, event)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) dequeue() (*eventstore.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}

	event := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	return event, true
}

func (s *subscription) run() {
	defer s.finish()

	if !s.catchUp() {
		return
	}

	s.state.Store(int32(eventstore.SubscriptionLive))
	s.es.observeSubscriptionLive(s.ctx, s)

	for {
		if event, ok := s.dequeue(); ok {
			if !s.deliver(event) {
				return
			}

			continue
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.stop(s.ctx.Err())
			return
		}
	}
}

// catchUp replays committed history from the cursor up to the boundary in pages.
func (s *subscription) catchUp() bool {
	for s.lastDelivered < s.boundary {
		pageSize := s.pageSize
		if remaining := s.boundary - s.lastDelivered; remaining < int64(pageSize) {
			pageSize = int(remaining)
		}

		page := s.readPage(eventstore.FromPosition(s.lastDelivered+1), pageSize)
		if len(page) == 0 {
			return true
		}

		for _, event := range page {
			if !s.deliver(event) {
				return false
			}
		}
	}

	return true
}

func (s *subscription) readPage(from eventstore.From, maxCount int) []*eventstore.Event {
	if s.scope.IsGlobal() {
		return s.es.log.readAllForwards(from, maxCount)
	}

	return s.es.streams.readForwards(s.scope.StreamID, from, maxCount)
}

// deliver hands one event to the consumer. It returns false once the subscription must stop.
func (s *subscription) deliver(event *eventstore.Event) bool {
	position := s.position(event)
	if position <= s.lastDelivered {
		return true
	}

	s.lastDelivered = position

	delivered := event.Clone()
	if s.matcher != nil && !s.matcher.Matches(delivered) {
		return true
	}

	if s.stopping() {
		return false
	}

	select {
	case s.events <- delivered:
		return true
	case <-s.done:
		return false
	case <-s.ctx.Done():
		s.stop(s.ctx.Err())
		return false
	}
}

func (s *subscription) finish() {
	s.es.hub.unregister(s)
	s.state.Store(int32(eventstore.SubscriptionClosed))
	close(s.events)
	s.es.observeSubscriptionClosed(s.ctx, s, s.closeReason())
	close(s.stopped)
}
