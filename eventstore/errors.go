package eventstore

import (
	"fmt"
)

// VersionConflictError reports an append whose expected version did not match the stream's actual version.
// The store is unchanged; callers reread the stream and retry with a fresh expectation.
type VersionConflictError struct {
	StreamID StreamID
	Expected ExpectedVersion
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s on stream %q: expected %s, actual %d", ErrVersionConflict, e.StreamID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrVersionConflict) work for wrapped conflicts.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// SubscriptionOverrunError is the close reason of a subscription whose consumer fell further behind than its buffer allows.
// Resubscribing from the last processed position is the caller's responsibility.
type SubscriptionOverrunError struct {
	SubscriptionID string
	BufferSize     int
}

func (e *SubscriptionOverrunError) Error() string {
	return fmt.Sprintf("%s: subscription %s exceeded its buffer of %d events", ErrSubscriptionOverrun, e.SubscriptionID, e.BufferSize)
}

// Is makes errors.Is(err, ErrSubscriptionOverrun) work for wrapped overruns.
func (e *SubscriptionOverrunError) Is(target error) bool {
	return target == ErrSubscriptionOverrun
}
