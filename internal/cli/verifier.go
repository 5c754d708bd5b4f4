package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

var ErrOrderViolated = errors.New("subscription delivered out of order")

// orderVerifier consumes a global subscription and checks every delivery against the store's ordering guarantees.
// Without a matcher global and stream positions must be gap-free, with one they must only increase.
type orderVerifier struct {
	subscription eventstore.Subscription
	contiguous   bool

	mu             sync.Mutex
	delivered      int64
	lastGlobal     int64
	streamVersions map[string]int64
	violation      error

	progress chan struct{}
	done     chan struct{}
}

// verifierProgress is a consistent copy of what an orderVerifier has seen so far.
type verifierProgress struct {
	delivered      int64
	lastGlobal     int64
	streamVersions map[string]int64
}

func newOrderVerifier(
	ctx context.Context,
	es eventstore.EventStore,
	bufferSize int,
	matcher eventstore.EventMatcher,
) (*orderVerifier, error) {

	options := []eventstore.SubscriptionOption{eventstore.WithBufferSize(bufferSize)}
	if matcher != nil {
		options = append(options, eventstore.WithMatcher(matcher))
	}

	subscription, err := es.SubscribeAll(ctx, eventstore.FromStart(), options...)
	if err != nil {
		return nil, err
	}

	v := &orderVerifier{
		subscription:   subscription,
		contiguous:     matcher == nil,
		lastGlobal:     eventstore.EmptyStreamVersion,
		streamVersions: make(map[string]int64),
		progress:       make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	go v.consume()

	return v, nil
}

func (v *orderVerifier) consume() {
	defer close(v.done)

	for event := range v.subscription.Events() {
		v.observe(event)

		select {
		case v.progress <- struct{}{}:
		default:
		}
	}
}

func (v *orderVerifier) observe(event eventstore.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	global := int64(event.GlobalPosition)
	stream := int64(event.StreamPosition)
	lastStream, seen := v.streamVersions[event.StreamID.String()]
	if !seen {
		lastStream = eventstore.EmptyStreamVersion
	}

	switch {
	case v.violation != nil:
	case v.contiguous && global != v.lastGlobal+1:
		v.violation = fmt.Errorf("%w: global position %d after %d", ErrOrderViolated, global, v.lastGlobal)
	case global <= v.lastGlobal:
		v.violation = fmt.Errorf("%w: global position %d after %d", ErrOrderViolated, global, v.lastGlobal)
	case v.contiguous && stream != lastStream+1:
		v.violation = fmt.Errorf("%w: %s position %d after %d", ErrOrderViolated, event.StreamID, stream, lastStream)
	case stream <= lastStream:
		v.violation = fmt.Errorf("%w: %s position %d after %d", ErrOrderViolated, event.StreamID, stream, lastStream)
	}

	v.delivered++
	v.lastGlobal = global
	v.streamVersions[event.StreamID.String()] = stream
}

// await blocks until reached is true for the progress so far, a violation was seen, or ctx is done.
func (v *orderVerifier) await(ctx context.Context, reached func(p verifierProgress) bool) (verifierProgress, error) {
	for {
		progress, violation := v.snapshot()
		if violation != nil {
			return progress, violation
		}

		if reached(progress) {
			return progress, nil
		}

		select {
		case <-v.progress:
		case <-v.done:
			progress, violation = v.snapshot()
			if violation == nil && reached(progress) {
				return progress, nil
			}

			return progress, errors.Join(ErrDeliveryTimedOut, violation, v.subscription.Err())
		case <-ctx.Done():
			return progress, errors.Join(ErrDeliveryTimedOut, ctx.Err())
		}
	}
}

func (v *orderVerifier) snapshot() (verifierProgress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return verifierProgress{
		delivered:      v.delivered,
		lastGlobal:     v.lastGlobal,
		streamVersions: maps.Clone(v.streamVersions),
	}, v.violation
}

func (v *orderVerifier) close() {
	_ = v.subscription.Close()
	<-v.done
}
