package sequencer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedOwner indicates an event whose owning user is unknown.
	ErrUnresolvedOwner = errors.New("event has no resolvable owner")

	// ErrInvalidEvent indicates an event missing its type or run ID.
	ErrInvalidEvent = errors.New("invalid lifecycle event")
)

// SequenceViolationError reports an event that is not valid in the current
// phase of its run. The event is dropped, never reordered.
type SequenceViolationError struct {
	RunID     string
	EventType string
	Phase     Phase
	Reason    string
}

func (e *SequenceViolationError) Error() string {
	return fmt.Sprintf("run %s: %s not allowed in phase %s: %s", e.RunID, e.EventType, e.Phase, e.Reason)
}
