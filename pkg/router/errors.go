package router

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRegistered indicates a destination with the same connection ID exists.
	ErrAlreadyRegistered = errors.New("destination already registered")

	// ErrNoQueue indicates a destination has no MessageQueue in the registry.
	ErrNoQueue = errors.New("connection has no message queue")

	// ErrInvalidRouting indicates a malformed routing context.
	ErrInvalidRouting = errors.New("invalid routing context")
)

// BridgeUnavailableError is returned when no active destination matched.
// The message is never reported as delivered.
type BridgeUnavailableError struct {
	UserID   string
	Strategy Strategy
	Retained bool
}

func (e *BridgeUnavailableError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("no active connections for %s routing", e.Strategy)
	}
	return fmt.Sprintf("no active connections for user %s (%s routing)", e.UserID, e.Strategy)
}

// IsolationViolationError is returned when a message would have reached a
// connection owned by a different user. Nothing is sent to that connection.
type IsolationViolationError struct {
	ConnectionID     string
	DestinationOwner string
	MessageOwner     string
	ContextUser      string
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("isolation violation: message for user %q (context user %q) matched connection %s owned by %q",
		e.MessageOwner, e.ContextUser, e.ConnectionID, e.DestinationOwner)
}
