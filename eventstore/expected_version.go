package eventstore

import "fmt"

type expectedVersionKind int

const (
	expectExact expectedVersionKind = iota
	expectNoStream
	expectAny
)

// ExpectedVersion is the caller's last-known version of a stream, used for optimistic concurrency control.
//
// Values:
//   - Exact(n), n >= 0: the stream's last event must be at position n
//   - NoStream: the stream must not have any events yet
//   - AnyVersion: no check is performed
type ExpectedVersion struct {
	kind    expectedVersionKind
	version int64
}

var (
	// NoStream expects the stream to be empty, i.e. at EmptyStreamVersion.
	NoStream = ExpectedVersion{kind: expectNoStream, version: EmptyStreamVersion}

	// AnyVersion skips the version check.
	AnyVersion = ExpectedVersion{kind: expectAny}
)

// Exact expects the stream's current version to be exactly version.
// A negative version yields an ExpectedVersion that fails Validate; use NoStream for an empty stream.
func Exact(version int64) ExpectedVersion {
	return ExpectedVersion{kind: expectExact, version: version}
}

// AtVersion expects the stream to still be at a version read earlier, e.g. with CurrentVersion.
// EmptyStreamVersion maps to NoStream, any other value to Exact.
func AtVersion(version int64) ExpectedVersion {
	if version == EmptyStreamVersion {
		return NoStream
	}

	return Exact(version)
}

// Validate rejects exact versions below zero.
func (ev ExpectedVersion) Validate() error {
	if ev.kind == expectExact && ev.version < 0 {
		return fmt.Errorf("%w: malformed expected version %d", ErrInvalidRange, ev.version)
	}

	return nil
}

// IsAny reports whether the version check is skipped.
func (ev ExpectedVersion) IsAny() bool {
	return ev.kind == expectAny
}

// Matches reports whether a stream at currentVersion satisfies the expectation.
func (ev ExpectedVersion) Matches(currentVersion int64) bool {
	if ev.IsAny() {
		return true
	}

	return ev.version == currentVersion
}

func (ev ExpectedVersion) String() string {
	switch {
	case ev.kind == expectAny:
		return "Any"
	case ev.kind == expectNoStream:
		return "NoStream"
	case ev.version < 0:
		return fmt.Sprintf("Invalid(%d)", ev.version)
	default:
		return fmt.Sprintf("%d", ev.version)
	}
}
