package eventstore

import (
	"errors"
)

var (
	// ErrVersionConflict is matched by every *VersionConflictError.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidRange is returned for a non-positive maxCount, a malformed position or a malformed expected version.
	ErrInvalidRange = errors.New("invalid range")

	// ErrSubscriptionOverrun is matched by every *SubscriptionOverrunError.
	ErrSubscriptionOverrun = errors.New("subscription overrun")

	// ErrEventStoreClosed is returned by operations on a closed EventStore and is the close reason of
	// subscriptions that were still open when the EventStore was closed.
	ErrEventStoreClosed = errors.New("eventstore is closed")

	ErrEmptyStreamID  = errors.New("stream id must not be empty")
	ErrEmptyEventType = errors.New("event type must not be empty")

	// ErrGeneratingEventIDFailed is joined with the error of a failing ID generator.
	ErrGeneratingEventIDFailed = errors.New("generating event id failed")

	ErrInvalidBufferSize = errors.New("subscription buffer size must be positive")
)

// EmptyStreamVersion is the version of a stream that has never been written.
const EmptyStreamVersion int64 = -1
