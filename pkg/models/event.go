package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Critical lifecycle event types. These five events are the user-visible
// contract of an agent run and are ordered by the sequencer.
const (
	EventTypeAgentStarted   = "agent_started"
	EventTypeAgentThinking  = "agent_thinking"
	EventTypeToolExecuting  = "tool_executing"
	EventTypeToolCompleted  = "tool_completed"
	EventTypeAgentCompleted = "agent_completed"
)

// Completion status values carried in agent_completed data.
const (
	CompletionStatusSuccess = "success"
	CompletionStatusError   = "error"
)

// IsCriticalEventType reports whether t is one of the five lifecycle events.
func IsCriticalEventType(t string) bool {
	switch t {
	case EventTypeAgentStarted, EventTypeAgentThinking, EventTypeToolExecuting,
		EventTypeToolCompleted, EventTypeAgentCompleted:
		return true
	}
	return false
}

// LifecycleEvent is the outbound wire shape of an agent execution event.
// Field order is significant for clients and must not be changed.
type LifecycleEvent struct {
	Type           string         `json:"type"`
	UserID         string         `json:"user_id"`
	ThreadID       string         `json:"thread_id"`
	RunID          string         `json:"run_id"`
	SequenceNumber int64          `json:"sequence_number"`
	Timestamp      string         `json:"timestamp"` // RFC3339Nano
	Data           map[string]any `json:"data"`
}

// ToolID returns the tool_id carried in Data, or "".
func (e *LifecycleEvent) ToolID() string {
	if e.Data == nil {
		return ""
	}
	id, _ := e.Data["tool_id"].(string)
	return id
}

// Marshal serializes the event, normalizing a nil Data to an empty object.
func (e *LifecycleEvent) Marshal() ([]byte, error) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	return b, nil
}

// FormatTimestamp renders t the way every outbound message does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// PublishEventRequest is the body accepted from agent-execution
// collaborators. The owning user is never taken from the body.
type PublishEventRequest struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id"`
	RunID    string         `json:"run_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// PublishEventResponse reports what happened to an ingested event.
type PublishEventResponse struct {
	RunID          string   `json:"run_id"`
	SequenceNumber int64    `json:"sequence_number"`
	DeliveredTo    []string `json:"delivered_to"`
	QueuedFor      []string `json:"queued_for"`
	Retained       bool     `json:"retained"`
}
