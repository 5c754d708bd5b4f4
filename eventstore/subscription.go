package eventstore

// SubscriptionState is a state of the subscription state machine: CatchingUp -> Live -> Closed.
// Closed is terminal and reachable from both other states.
type SubscriptionState int32

const (
	SubscriptionCatchingUp SubscriptionState = iota
	SubscriptionLive
	SubscriptionClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionCatchingUp:
		return "catching_up"
	case SubscriptionLive:
		return "live"
	case SubscriptionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubscriptionScope tells whether a subscription follows one stream or the global log.
type SubscriptionScope struct {
	StreamID StreamID // empty for the global scope
}

// IsGlobal reports whether the scope is the global log.
func (s SubscriptionScope) IsGlobal() bool {
	return s.StreamID == ""
}

func (s SubscriptionScope) String() string {
	if s.IsGlobal() {
		return "$all"
	}

	return string(s.StreamID)
}

// Subscription is a handle on a catch-up-then-live event feed owned by the subscribing caller.
type Subscription interface {
	// ID identifies the subscription in logs and errors.
	ID() string

	// Scope is the stream or global scope of the subscription.
	Scope() SubscriptionScope

	// Events yields events in scope order. It is closed when the subscription closes.
	Events() <-chan Event

	// State returns the current state.
	State() SubscriptionState

	// Err returns why the subscription closed: nil after Close, a *SubscriptionOverrunError,
	// the subscribing context's error, or ErrEventStoreClosed.
	Err() error

	// Close unsubscribes. It is idempotent and stops delivery before returning.
	Close() error
}

// EventMatcher selects the events a subscription delivers.
type EventMatcher interface {
	Matches(event Event) bool
}

// EventMatcherFunc adapts a function to EventMatcher.
type EventMatcherFunc func(event Event) bool

// Matches implements EventMatcher.
func (f EventMatcherFunc) Matches(event Event) bool {
	return f(event)
}

// SubscriptionOptions holds per-subscription settings, built from SubscriptionOption values.
type SubscriptionOptions struct {
	// BufferSize bounds the live queue, zero means the backend's default.
	BufferSize int

	// Matcher filters delivered events, nil delivers everything.
	Matcher EventMatcher
}

// SubscriptionOption configures a single subscription.
type SubscriptionOption func(*SubscriptionOptions) error

// WithBufferSize overrides the backend's default live queue capacity for one subscription.
func WithBufferSize(size int) SubscriptionOption {
	return func(o *SubscriptionOptions) error {
		if size <= 0 {
			return ErrInvalidBufferSize
		}

		o.BufferSize = size

		return nil
	}
}

// WithMatcher delivers only events accepted by matcher. Skipped events still advance the subscription's cursor.
func WithMatcher(matcher EventMatcher) SubscriptionOption {
	return func(o *SubscriptionOptions) error {
		o.Matcher = matcher
		return nil
	}
}

// BuildSubscriptionOptions applies options in order and stops at the first error.
func BuildSubscriptionOptions(options ...SubscriptionOption) (SubscriptionOptions, error) {
	var built SubscriptionOptions

	for _, option := range options {
		if err := option(&built); err != nil {
			return SubscriptionOptions{}, err
		}
	}

	return built, nil
}
