package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered indicates the connection ID is unknown to the registry.
	ErrNotRegistered = errors.New("connection not registered")

	// ErrRollbackUnavailable indicates there is no forward step to revert.
	ErrRollbackUnavailable = errors.New("no confirmed state to roll back to")
)

// TransitionError reports a refused state change. The machine's state is
// unchanged when it is returned.
type TransitionError struct {
	ConnectionID string
	From         State
	AttemptedTo  State
	Err          error // optional cause, e.g. ErrRollbackUnavailable
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("connection %s: invalid transition %s -> %s", e.ConnectionID, e.From, e.AttemptedTo)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransitionError) Unwrap() error {
	return e.Err
}

// DuplicateConnectionError is returned when a connection ID is registered twice.
type DuplicateConnectionError struct {
	ConnectionID string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection %s is already registered", e.ConnectionID)
}
