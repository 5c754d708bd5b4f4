package eventstore

import "fmt"

// Direction is the order of a read.
type Direction int

const (
	// Forward reads in ascending position order.
	Forward Direction = iota

	// Backward reads in descending position order.
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "unknown"
	}
}

// Validate rejects unknown directions.
func (d Direction) Validate() error {
	if d != Forward && d != Backward {
		return fmt.Errorf("%w: unknown direction %d", ErrInvalidRange, int(d))
	}

	return nil
}

type fromKind int

const (
	fromPosition fromKind = iota
	fromStart
	fromEnd
)

// From is the starting point of a read or a subscription.
//
// For reads the starting point is inclusive:
//   - FromStart() starts at position 0
//   - FromEnd() starts at the last committed position
//   - FromPosition(p) starts at p
//
// For subscriptions it is a checkpoint:
//   - FromStart() delivers every event
//   - FromEnd() delivers only events committed after subscribing
//   - FromPosition(p) delivers events with a position greater than p
type From struct {
	kind     fromKind
	position int64
}

// FromStart is the first position of a stream or of the global log.
func FromStart() From {
	return From{kind: fromStart}
}

// FromEnd is the last committed position of a stream or of the global log.
func FromEnd() From {
	return From{kind: fromEnd}
}

// FromPosition is an explicit position. Negative positions fail Validate.
func FromPosition(position int64) From {
	return From{kind: fromPosition, position: position}
}

// IsStart reports whether f is FromStart.
func (f From) IsStart() bool {
	return f.kind == fromStart
}

// IsEnd reports whether f is FromEnd.
func (f From) IsEnd() bool {
	return f.kind == fromEnd
}

// Position returns the explicit position, it is only meaningful when neither IsStart nor IsEnd.
func (f From) Position() int64 {
	return f.position
}

// Validate rejects negative explicit positions.
func (f From) Validate() error {
	if f.kind == fromPosition && f.position < 0 {
		return fmt.Errorf("%w: malformed position %d", ErrInvalidRange, f.position)
	}

	return nil
}

// Resolve returns the inclusive read position for a sequence whose last position is head (-1 when empty).
func (f From) Resolve(head int64) int64 {
	switch f.kind {
	case fromStart:
		return 0
	case fromEnd:
		return head
	default:
		return f.position
	}
}

// Checkpoint returns the position after which a subscription starts delivering, for a sequence whose last position
// is head (-1 when empty).
func (f From) Checkpoint(head int64) int64 {
	switch f.kind {
	case fromStart:
		return -1
	case fromEnd:
		return head
	default:
		return f.position
	}
}

func (f From) String() string {
	switch f.kind {
	case fromStart:
		return "start"
	case fromEnd:
		return "end"
	default:
		return fmt.Sprintf("%d", f.position)
	}
}

// ValidateMaxCount rejects a non-positive maxCount.
func ValidateMaxCount(maxCount int) error {
	if maxCount <= 0 {
		return fmt.Errorf("%w: max count must be positive, got %d", ErrInvalidRange, maxCount)
	}

	return nil
}
