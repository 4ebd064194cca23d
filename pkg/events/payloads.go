package events

import (
	"encoding/json"
	"fmt"
)

// AgentStartedPayload is the data of agent_started events.
type AgentStartedPayload struct {
	AgentName string         `json:"agent_name,omitempty"`
	Model     string         `json:"model,omitempty"`
	Input     string         `json:"input,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentThinkingPayload is the data of agent_thinking events.
type AgentThinkingPayload struct {
	Content string `json:"content"`
	// Iteration is the reasoning loop index, starting at 1.
	Iteration int `json:"iteration,omitempty"`
}

// ToolExecutingPayload is the data of tool_executing events.
type ToolExecutingPayload struct {
	ToolID    string         `json:"tool_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCompletedPayload is the data of tool_completed events.
type ToolCompletedPayload struct {
	ToolID     string `json:"tool_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// AgentCompletedPayload is the data of agent_completed events.
type AgentCompletedPayload struct {
	Status string `json:"status"` // success | error
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// toData converts a typed payload into the generic data object of a
// LifecycleEvent.
func toData(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", payload, err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("payload %T is not a JSON object: %w", payload, err)
	}
	return data, nil
}
