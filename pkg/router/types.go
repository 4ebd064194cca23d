// Package router is the single path every outbound message takes to reach
// WebSocket connections.
//
// Destinations are indexed per user. A message is only ever matched against
// the destination set of its owner (except for system broadcasts), and the
// owner is re-checked against each destination at the moment of delivery.
// Every delivery goes through the destination's MessageQueue, so messages
// sent before a connection is ready are buffered instead of lost.
package router

import (
	"context"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/queue"
)

// Strategy selects which destinations receive a message.
type Strategy string

const (
	// StrategyUserSpecific targets every active connection of one user.
	StrategyUserSpecific Strategy = "user_specific"
	// StrategySessionSpecific targets the user's connections bound to one session.
	StrategySessionSpecific Strategy = "session_specific"
	// StrategyBroadcastAll targets every active connection. System use only.
	StrategyBroadcastAll Strategy = "broadcast_all"
	// StrategyPriorityBased is user_specific selection with load shedding.
	StrategyPriorityBased Strategy = "priority_based"
)

// IsValid checks if the strategy is known.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyUserSpecific, StrategySessionSpecific, StrategyBroadcastAll, StrategyPriorityBased:
		return true
	}
	return false
}

// Sender writes one serialized message to a connection's transport.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// QueueSource resolves a connection's MessageQueue. Implemented by
// connection.Registry.
type QueueSource interface {
	Queue(connectionID string) (*queue.MessageQueue, bool)
}

// Retainer keeps messages that had no live destination so they can be
// replayed when the user reconnects.
type Retainer interface {
	Retain(userID, sessionID string, payload []byte, priority models.Priority)
}

// Registration describes a new destination.
type Registration struct {
	ConnectionID string
	UserID       string
	SessionID    string
	Metadata     map[string]string
	Sender       Sender
}

// Destination is a snapshot of one registered connection.
type Destination struct {
	ConnectionID string            `json:"connection_id"`
	UserID       string            `json:"user_id"`
	SessionID    string            `json:"session_id,omitempty"`
	LastActivity time.Time         `json:"last_activity"`
	Active       bool              `json:"is_active"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RoutedMessage is the router's unit of delivery.
type RoutedMessage struct {
	Type string
	// UserID is the owner. Empty only for system broadcasts; for other
	// strategies an empty owner is taken from the routing context.
	UserID  string
	Payload []byte
}

// RoutingContext carries the per-call routing parameters.
type RoutingContext struct {
	UserID    string
	SessionID string
	// ConnectionID narrows selection to one connection of the user.
	ConnectionID string
	Strategy     Strategy
	Priority     models.Priority
}

// RoutingResult lists the connection IDs per outcome.
type RoutingResult struct {
	Delivered []string `json:"delivered"`
	Queued    []string `json:"queued"`
	Failed    []string `json:"failed"`
	// Dropped holds destinations skipped by load shedding or queue rejection.
	Dropped []string `json:"dropped"`
	// Retained is set when the message went to the replay store instead.
	Retained bool `json:"retained"`
}

// Reached reports how many destinations delivered or buffered the message.
func (r RoutingResult) Reached() int {
	return len(r.Delivered) + len(r.Queued)
}

// Config tunes delivery.
type Config struct {
	// MaxConcurrentSends bounds in-flight direct sends; priority_based
	// routing sheds NORMAL messages when it is saturated.
	MaxConcurrentSends int
	// SendTimeout bounds each direct send.
	SendTimeout time.Duration
}

// DefaultConfig returns the built-in router settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSends: 256,
		SendTimeout:        10 * time.Second,
	}
}
