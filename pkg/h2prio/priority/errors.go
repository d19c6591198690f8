package priority

import (
	"errors"
	"fmt"
)

// Sentinel errors for variants that carry no stream-specific payload.
// Callers that don't need the offending ID can match these with errors.Is.
var (
	// ErrDeadlock is wrapped by the DeadlockError that Next returns when
	// every stream in the tree is blocked (or the tree has no streams at
	// all).
	ErrDeadlock = errors.New("priority: no active stream to schedule")

	// ErrPriorityLoop is wrapped by the PriorityLoopError returned when a
	// stream is asked to depend on itself directly.
	ErrPriorityLoop = errors.New("priority: stream cannot depend on itself")
)

// DuplicateStreamError is returned by InsertStream when the stream ID is
// already present as a non-placeholder stream.
type DuplicateStreamError struct {
	StreamID uint32
}

func (e *DuplicateStreamError) Error() string {
	return fmt.Sprintf("priority: stream %d already exists", e.StreamID)
}

// MissingStreamError is returned when an operation references a stream ID
// that isn't in the tree and implicit creation doesn't apply.
type MissingStreamError struct {
	StreamID uint32
}

func (e *MissingStreamError) Error() string {
	return fmt.Sprintf("priority: unknown stream %d", e.StreamID)
}

// TooManyStreamsError is returned by InsertStream when adding the stream
// would exceed the tree's configured maximum.
type TooManyStreamsError struct {
	StreamID   uint32
	MaxStreams int
}

func (e *TooManyStreamsError) Error() string {
	return fmt.Sprintf("priority: maximum stream count %d exceeded inserting stream %d", e.MaxStreams, e.StreamID)
}

// BadWeightError is returned when a weight outside [1, 256] is supplied.
type BadWeightError struct {
	StreamID uint32
	Weight   int
}

func (e *BadWeightError) Error() string {
	return fmt.Sprintf("priority: weight %d for stream %d out of range [1,256]", e.Weight, e.StreamID)
}

// PseudoStreamError is returned when a caller tries to remove, block,
// unblock, or reprioritize stream 0, the implicit root.
type PseudoStreamError struct {
	Op string
}

func (e *PseudoStreamError) Error() string {
	return fmt.Sprintf("priority: cannot %s stream 0", e.Op)
}

// DeadlockError is returned by Next when no active stream exists anywhere
// in the tree. It wraps ErrDeadlock so callers can use errors.Is.
type DeadlockError struct{}

func (e *DeadlockError) Error() string { return ErrDeadlock.Error() }

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

// PriorityLoopError is returned when stream_id == depends_on directly. It
// wraps ErrPriorityLoop so callers can use errors.Is.
type PriorityLoopError struct {
	StreamID uint32
}

func (e *PriorityLoopError) Error() string {
	return fmt.Sprintf("priority: stream %d cannot depend on itself", e.StreamID)
}

func (e *PriorityLoopError) Unwrap() error { return ErrPriorityLoop }
