package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/celfilter"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/codec"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/memengine"
	"github.com/AntonStoeckl/streams-eventstore-go/eventstore/retry"
)

const (
	cartItemAddedEventType  = "CartItemAdded"
	cartCheckedOutEventType = "CartCheckedOut"
	cartProjectionType      = "CartSummary"

	overrunAppendCount = 10_000
	retryWriterCount   = 5
)

var (
	ErrUnknownScenario   = errors.New("unknown scenario")
	ErrScenarioFailed    = errors.New("scenario failed")
	ErrScenariosFailed   = errors.New("one or more scenarios failed")
	ErrUnexpectedOutcome = errors.New("unexpected outcome")
)

// CartItemAdded and CartCheckedOut are the domain events the scenarios encode with the codec.
type CartItemAdded struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type CartCheckedOut struct{}

// CartSummary is the projection the snapshot scenario folds and stores.
type CartSummary struct {
	Items      int  `json:"items"`
	Quantity   int  `json:"quantity"`
	CheckedOut bool `json:"checkedOut"`
}

// scenarioEnv is what a scenario runs against. Every scenario gets a fresh store.
type scenarioEnv struct {
	es       *memengine.EventStore
	metrics  eventstore.MetricsCollector
	registry *codec.Registry
}

// Scenario is a named, self-checking run against a fresh EventStore.
type Scenario struct {
	Name        string
	Description string
	run         func(ctx context.Context, env scenarioEnv) error
}

// Scenarios lists the scenarios in the order they run.
func Scenarios() []Scenario {
	return []Scenario{
		{
			Name:        "two-streams",
			Description: "concurrent appends to two new streams arrive in commit order at a global subscription",
			run:         runTwoStreams,
		},
		{
			Name:        "version-conflict",
			Description: "an append with a stale expected version fails and leaves the store unchanged",
			run:         runVersionConflict,
		},
		{
			Name:        "overrun",
			Description: "a subscriber that never drains is closed while 10000 appends succeed",
			run:         runOverrun,
		},
		{
			Name:        "retry",
			Description: "concurrent read-decide-append writers on one stream all succeed through retries",
			run:         runRetry,
		},
		{
			Name:        "snapshot",
			Description: "a projection resumes from its snapshot and reads only newer events",
			run:         runSnapshot,
		},
		{
			Name:        "filter",
			Description: "a CEL filtered stream subscription delivers only matching events",
			run:         runFilter,
		},
	}
}

// selectScenarios returns the named scenarios in run order, all of them when names is empty.
func selectScenarios(names []string) ([]Scenario, error) {
	all := Scenarios()
	if len(names) == 0 {
		return all, nil
	}

	for _, name := range names {
		if !slices.ContainsFunc(all, func(s Scenario) bool { return s.Name == name }) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
		}
	}

	return slices.DeleteFunc(all, func(s Scenario) bool { return !slices.Contains(names, s.Name) }), nil
}

func newScenarioEnv(es *memengine.EventStore, metrics eventstore.MetricsCollector) (scenarioEnv, error) {
	registry := codec.NewRegistry()

	if err := codec.Register[CartItemAdded](registry, cartItemAddedEventType); err != nil {
		return scenarioEnv{}, err
	}

	if err := codec.Register[CartCheckedOut](registry, cartCheckedOutEventType); err != nil {
		return scenarioEnv{}, err
	}

	return scenarioEnv{es: es, metrics: metrics, registry: registry}, nil
}

func (env scenarioEnv) itemsAdded(count int) ([]eventstore.EventData, error) {
	correlationID := uuid.New()
	events := make([]eventstore.EventData, 0, count)

	for i := range count {
		data, err := env.registry.Encode(
			cartItemAddedEventType,
			CartItemAdded{SKU: fmt.Sprintf("SKU-%d", i), Quantity: i + 1},
			codec.BuildEventMetadata(uuid.New(), correlationID, correlationID),
		)
		if err != nil {
			return nil, err
		}

		events = append(events, data)
	}

	return events, nil
}

func runTwoStreams(ctx context.Context, env scenarioEnv) error {
	subscription, err := env.es.SubscribeAll(ctx, eventstore.FromStart())
	if err != nil {
		return err
	}
	defer func() { _ = subscription.Close() }()

	cart1, err := env.itemsAdded(3)
	if err != nil {
		return err
	}

	cart2, err := env.itemsAdded(2)
	if err != nil {
		return err
	}

	var result1, result2 eventstore.AppendResult
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		result1, err = env.es.Append(groupCtx, "cart-1", eventstore.NoStream, cart1...)
		return err
	})
	g.Go(func() (err error) {
		result2, err = env.es.Append(groupCtx, "cart-2", eventstore.NoStream, cart2...)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if !slices.Equal(result1.StreamPositions, []eventstore.StreamPosition{0, 1, 2}) ||
		!slices.Equal(result2.StreamPositions, []eventstore.StreamPosition{0, 1}) {

		return fmt.Errorf("%w: stream positions %v and %v", ErrUnexpectedOutcome, result1.StreamPositions, result2.StreamPositions)
	}

	received, err := receive(ctx, subscription, 5)
	if err != nil {
		return err
	}

	// Each append is one contiguous block of global positions, in either order.
	byStream := make(map[eventstore.StreamID][]eventstore.GlobalPosition)
	for i, event := range received {
		if event.GlobalPosition != eventstore.GlobalPosition(i) {
			return fmt.Errorf("%w: delivery %d has global position %d", ErrUnexpectedOutcome, i, event.GlobalPosition)
		}
		byStream[event.StreamID] = append(byStream[event.StreamID], event.GlobalPosition)
	}

	if !slices.Equal(byStream["cart-1"], result1.GlobalPositions) || !slices.Equal(byStream["cart-2"], result2.GlobalPositions) {
		return fmt.Errorf("%w: delivered %v, committed %v and %v", ErrUnexpectedOutcome, byStream, result1.GlobalPositions, result2.GlobalPositions)
	}

	return nil
}

func runVersionConflict(ctx context.Context, env scenarioEnv) error {
	events, err := env.itemsAdded(3)
	if err != nil {
		return err
	}

	if _, err := env.es.Append(ctx, "cart-1", eventstore.NoStream, events...); err != nil {
		return err
	}

	more, err := env.itemsAdded(1)
	if err != nil {
		return err
	}

	_, err = env.es.Append(ctx, "cart-1", eventstore.Exact(0), more...)

	var conflict *eventstore.VersionConflictError
	if !errors.As(err, &conflict) || conflict.Expected != eventstore.Exact(0) || conflict.Actual != 2 {
		return fmt.Errorf("%w: got %v, want a conflict expecting 0 at version 2", ErrUnexpectedOutcome, err)
	}

	stored, err := env.es.ReadStream(ctx, "cart-1", eventstore.Forward, eventstore.FromStart(), 10)
	if err != nil {
		return err
	}

	if len(stored) != 3 || env.es.HeadPosition() != 2 {
		return fmt.Errorf("%w: %d events stored, head at %d", ErrUnexpectedOutcome, len(stored), env.es.HeadPosition())
	}

	return nil
}

func runOverrun(ctx context.Context, env scenarioEnv) error {
	subscription, err := env.es.SubscribeAll(
		ctx,
		eventstore.FromEnd(),
		eventstore.WithBufferSize(memengine.DefaultSubscriptionBufferSize),
	)
	if err != nil {
		return err
	}
	defer func() { _ = subscription.Close() }()

	for i := range overrunAppendCount {
		events, err := env.itemsAdded(1)
		if err != nil {
			return err
		}

		if _, err := env.es.Append(ctx, "cart-1", eventstore.AtVersion(int64(i)-1), events...); err != nil {
			return fmt.Errorf("%w: append %d failed: %w", ErrUnexpectedOutcome, i, err)
		}
	}

	if err := awaitClosed(ctx, subscription); err != nil {
		return err
	}

	var overrun *eventstore.SubscriptionOverrunError
	if !errors.As(subscription.Err(), &overrun) || overrun.BufferSize != memengine.DefaultSubscriptionBufferSize {
		return fmt.Errorf("%w: subscription closed with %v", ErrUnexpectedOutcome, subscription.Err())
	}

	if version := env.es.CurrentVersion("cart-1"); version != overrunAppendCount-1 {
		return fmt.Errorf("%w: stream at version %d after %d appends", ErrUnexpectedOutcome, version, overrunAppendCount)
	}

	return nil
}

func runRetry(ctx context.Context, env scenarioEnv) error {
	g, groupCtx := errgroup.WithContext(ctx)

	for range retryWriterCount {
		g.Go(func() error {
			events, err := env.itemsAdded(1)
			if err != nil {
				return err
			}

			options := []retry.Option{retry.WithMaxAttempts(retryWriterCount * 2)}
			if env.metrics != nil {
				options = append(options, retry.WithMetrics(env.metrics, "scenario_append"))
			}

			_, err = retry.Do(groupCtx, func(ctx context.Context) error {
				current, err := env.es.ReadStream(ctx, "cart-1", eventstore.Backward, eventstore.FromEnd(), 1)
				if err != nil {
					return err
				}

				expected := eventstore.NoStream
				if len(current) == 1 {
					expected = eventstore.Exact(int64(current[0].StreamPosition))
				}

				_, err = env.es.Append(ctx, "cart-1", expected, events...)

				return err
			}, options...)

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if version := env.es.CurrentVersion("cart-1"); version != retryWriterCount-1 {
		return fmt.Errorf("%w: stream at version %d, want %d", ErrUnexpectedOutcome, version, retryWriterCount-1)
	}

	return nil
}

func runSnapshot(ctx context.Context, env scenarioEnv) error {
	first, err := env.itemsAdded(4)
	if err != nil {
		return err
	}

	if _, err := env.es.Append(ctx, "cart-1", eventstore.NoStream, first...); err != nil {
		return err
	}

	history, err := env.es.ReadStream(ctx, "cart-1", eventstore.Forward, eventstore.FromStart(), 100)
	if err != nil {
		return err
	}

	summary, err := foldCart(env.registry, CartSummary{}, history)
	if err != nil {
		return err
	}

	data, err := jsoniter.ConfigFastest.Marshal(summary)
	if err != nil {
		return err
	}

	snapshot, err := eventstore.BuildSnapshot(cartProjectionType, "cart-1", history[len(history)-1].StreamPosition, data, history[len(history)-1].RecordedAt)
	if err != nil {
		return err
	}

	if err := env.es.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}

	more, err := env.itemsAdded(2)
	if err != nil {
		return err
	}

	checkout, err := env.registry.Encode(cartCheckedOutEventType, CartCheckedOut{}, codec.BuildEventMetadata(uuid.New(), uuid.New(), uuid.New()))
	if err != nil {
		return err
	}

	if _, err := env.es.Append(ctx, "cart-1", eventstore.Exact(3), append(more, checkout)...); err != nil {
		return err
	}

	loaded, err := env.es.LoadSnapshot(ctx, "cart-1", cartProjectionType)
	if err != nil {
		return err
	}
	if loaded == nil {
		return fmt.Errorf("%w: snapshot not found", ErrUnexpectedOutcome)
	}

	var resumed CartSummary
	if err := jsoniter.ConfigFastest.Unmarshal(loaded.Data, &resumed); err != nil {
		return err
	}

	newer, err := env.es.ReadStream(ctx, "cart-1", eventstore.Forward, eventstore.FromPosition(int64(loaded.StreamPosition)+1), 100)
	if err != nil {
		return err
	}

	resumed, err = foldCart(env.registry, resumed, newer)
	if err != nil {
		return err
	}

	want := CartSummary{Items: 6, Quantity: 1 + 2 + 3 + 4 + 1 + 2, CheckedOut: true}
	if len(newer) != 3 || resumed != want {
		return fmt.Errorf("%w: resumed with %d events to %+v, want %+v", ErrUnexpectedOutcome, len(newer), resumed, want)
	}

	return nil
}

func foldCart(registry *codec.Registry, summary CartSummary, events eventstore.Events) (CartSummary, error) {
	domainEvents, err := registry.DecodeAll(events)
	if err != nil {
		return CartSummary{}, err
	}

	for _, domainEvent := range domainEvents {
		switch e := domainEvent.(type) {
		case CartItemAdded:
			summary.Items++
			summary.Quantity += e.Quantity
		case CartCheckedOut:
			summary.CheckedOut = true
		}
	}

	return summary, nil
}

func runFilter(ctx context.Context, env scenarioEnv) error {
	matcher, err := celfilter.Compile(`event_type == "CartItemAdded" && payload.quantity >= 3`)
	if err != nil {
		return err
	}

	subscription, err := env.es.SubscribeStream(ctx, "cart-1", eventstore.FromStart(), eventstore.WithMatcher(matcher))
	if err != nil {
		return err
	}
	defer func() { _ = subscription.Close() }()

	events, err := env.itemsAdded(5)
	if err != nil {
		return err
	}

	if _, err := env.es.Append(ctx, "cart-1", eventstore.NoStream, events...); err != nil {
		return err
	}

	received, err := receive(ctx, subscription, 3)
	if err != nil {
		return err
	}

	positions := make([]eventstore.StreamPosition, 0, len(received))
	for _, event := range received {
		positions = append(positions, event.StreamPosition)
	}

	if !slices.Equal(positions, []eventstore.StreamPosition{2, 3, 4}) {
		return fmt.Errorf("%w: filtered positions %v", ErrUnexpectedOutcome, positions)
	}

	return nil
}

func receive(ctx context.Context, subscription eventstore.Subscription, count int) (eventstore.Events, error) {
	received := make(eventstore.Events, 0, count)

	for len(received) < count {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				return received, fmt.Errorf("%w: subscription closed after %d events: %w", ErrUnexpectedOutcome, len(received), subscription.Err())
			}
			received = append(received, event)
		case <-ctx.Done():
			return received, fmt.Errorf("%w: received %d of %d events", ErrDeliveryTimedOut, len(received), count)
		}
	}

	return received, nil
}

// awaitClosed discards deliveries until the subscription closes.
func awaitClosed(ctx context.Context, subscription eventstore.Subscription) error {
	for {
		select {
		case _, ok := <-subscription.Events():
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: subscription still open", ErrDeliveryTimedOut)
		}
	}
}
