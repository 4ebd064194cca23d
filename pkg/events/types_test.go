package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHandlerType(t *testing.T) {
	assert.Equal(t, "client.ping", ClientHandlerType(ClientActionPing))
	assert.Equal(t, "client.", ClientHandlerType(""))
}

func TestMessageTypeConstants(t *testing.T) {
	// Verify control types are non-empty and distinct
	types := []string{
		MessageTypeConnectionEstablished,
		MessageTypeConnectionReady,
		MessageTypeConnectionRejected,
		MessageTypePong,
		MessageTypeHeartbeat,
		MessageTypeReplayOverflow,
		MessageTypeError,
	}
	seen := make(map[string]bool)
	for _, et := range types {
		assert.NotEmpty(t, et)
		assert.False(t, seen[et], "duplicate message type: %s", et)
		seen[et] = true
		assert.True(t, controlTypes[et], "%s should be a control type", et)
	}
	assert.Len(t, controlTypes, len(types))
}

func TestIsReplayable(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{name: "lifecycle event", payload: `{"type":"agent_started","run_id":"r1"}`, want: true},
		{name: "custom application type", payload: `{"type":"notification"}`, want: true},
		{name: "heartbeat", payload: `{"type":"heartbeat"}`, want: false},
		{name: "connection ready", payload: `{"type":"connection.ready"}`, want: false},
		{name: "missing type", payload: `{"run_id":"r1"}`, want: false},
		{name: "not JSON", payload: `hello`, want: false},
		{name: "JSON array", payload: `[1,2]`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isReplayable([]byte(tt.payload)))
		})
	}
}

func TestHeartbeatPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var msg HeartbeatMessage
	require.NoError(t, json.Unmarshal(heartbeatPayload(now), &msg))
	assert.Equal(t, MessageTypeHeartbeat, msg.Type)
	assert.Equal(t, "2026-03-01T12:00:00Z", msg.Timestamp)
}

func TestConnectionEstablishedMessage_OmitsEmptySession(t *testing.T) {
	b, err := json.Marshal(ConnectionEstablishedMessage{
		Type:         MessageTypeConnectionEstablished,
		ConnectionID: "c1",
		UserID:       "alice",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection.established","connection_id":"c1","user_id":"alice"}`, string(b))
}
