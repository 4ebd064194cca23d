// Package events delivers agent lifecycle events to browser clients over
// WebSocket.
//
// ════════════════════════════════════════════════════════════════
// Connection Lifecycle
// ════════════════════════════════════════════════════════════════
//
// Every WebSocket goes through the same readiness path before it may
// receive application messages:
//
//	CONNECTING → ACCEPTED → AUTHENTICATING → AUTHENTICATED →
//	SERVICES_INITIALIZING → SERVICES_READY → PROCESSING_READY
//
// The client sees:
//
//	connection.established  {connection_id, user_id}
//	...retained events replayed from a previous connection...
//	replay.overflow         (only if older events were dropped)
//	...events produced while the connection was being set up...
//	connection.ready        {replayed, queued}
//	...live events, heartbeat every heartbeat_interval...
//
// If service initialization fails or times out the client receives
// connection.rejected {reason: "services_failed" | "services_timeout"}
// and the socket is closed with StatusTryAgainLater.
//
// Lifecycle events themselves use the models.LifecycleEvent wire shape:
//
//	{type, user_id, thread_id, run_id, sequence_number, timestamp, data}
//
// ════════════════════════════════════════════════════════════════
package events

import (
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
)

// Control message types (server → client).
const (
	MessageTypeConnectionEstablished = "connection.established"
	MessageTypeConnectionReady       = "connection.ready"
	MessageTypeConnectionRejected    = "connection.rejected"
	MessageTypePong                  = "pong"
	MessageTypeHeartbeat             = "heartbeat"
	MessageTypeReplayOverflow        = "replay.overflow"
	MessageTypeError                 = "error"
)

// Rejection reason codes carried in connection.rejected.
const (
	RejectReasonServicesTimeout = "services_timeout"
	RejectReasonServicesFailed  = "services_failed"
)

// Client actions (client → server).
const (
	ClientActionPing = "ping"
)

// clientHandlerPrefix namespaces client actions in the router's handler
// table so they cannot collide with outbound message types.
const clientHandlerPrefix = "client."

// ClientHandlerType returns the router handler type for a client action.
func ClientHandlerType(action string) string {
	return clientHandlerPrefix + action
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action string `json:"action"`
}

// ConnectionEstablishedMessage is sent as soon as the socket is accepted.
type ConnectionEstablishedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id,omitempty"`
}

// ConnectionReadyMessage marks the end of the setup backlog.
type ConnectionReadyMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Replayed     int    `json:"replayed"`
	Queued       int    `json:"queued"`
	Timestamp    string `json:"timestamp"`
}

// ConnectionRejectedMessage is sent before closing a connection that never
// became ready.
type ConnectionRejectedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
}

// HeartbeatMessage is produced periodically for every ready connection.
type HeartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ReplayOverflowMessage tells the client that older retained events were
// dropped and a full reload is needed.
type ReplayOverflowMessage struct {
	Type    string `json:"type"`
	HasMore bool   `json:"has_more"`
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ErrorMessage reports a malformed or unknown client message.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func heartbeatPayload(now time.Time) []byte {
	b, _ := json.Marshal(HeartbeatMessage{Type: MessageTypeHeartbeat, Timestamp: models.FormatTimestamp(now)})
	return b
}

// controlTypes are never retained for replay.
var controlTypes = map[string]bool{
	MessageTypeConnectionEstablished: true,
	MessageTypeConnectionReady:       true,
	MessageTypeConnectionRejected:    true,
	MessageTypePong:                  true,
	MessageTypeHeartbeat:             true,
	MessageTypeReplayOverflow:        true,
	MessageTypeError:                 true,
}

// isReplayable reports whether a serialized outbound message should be
// kept for a reconnecting client.
func isReplayable(payload []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return false
	}
	return head.Type != "" && !controlTypes[head.Type]
}
