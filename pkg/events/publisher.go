package events

import (
	"context"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/sequencer"
)

// EventPublisher publishes lifecycle events for WebSocket delivery.
//
// Each public method accepts a specific typed payload struct (see
// payloads.go). Payloads are converted to the event's data object and
// handed to the sequencer, which orders, numbers and routes them.
type EventPublisher struct {
	seq *sequencer.Sequencer
}

// NewEventPublisher creates a new EventPublisher.
func NewEventPublisher(seq *sequencer.Sequencer) *EventPublisher {
	return &EventPublisher{seq: seq}
}

// PublishAgentStarted publishes agent_started, opening the run.
func (p *EventPublisher) PublishAgentStarted(ctx context.Context, ref sequencer.RunRef, payload AgentStartedPayload) (sequencer.EmitResult, error) {
	return p.Publish(ctx, ref, models.EventTypeAgentStarted, payload)
}

// PublishAgentThinking publishes agent_thinking.
func (p *EventPublisher) PublishAgentThinking(ctx context.Context, ref sequencer.RunRef, payload AgentThinkingPayload) (sequencer.EmitResult, error) {
	return p.Publish(ctx, ref, models.EventTypeAgentThinking, payload)
}

// PublishToolExecuting publishes tool_executing for payload.ToolID.
func (p *EventPublisher) PublishToolExecuting(ctx context.Context, ref sequencer.RunRef, payload ToolExecutingPayload) (sequencer.EmitResult, error) {
	return p.Publish(ctx, ref, models.EventTypeToolExecuting, payload)
}

// PublishToolCompleted publishes tool_completed for payload.ToolID.
func (p *EventPublisher) PublishToolCompleted(ctx context.Context, ref sequencer.RunRef, payload ToolCompletedPayload) (sequencer.EmitResult, error) {
	return p.Publish(ctx, ref, models.EventTypeToolCompleted, payload)
}

// PublishAgentCompleted publishes agent_completed, closing the run.
func (p *EventPublisher) PublishAgentCompleted(ctx context.Context, ref sequencer.RunRef, payload AgentCompletedPayload) (sequencer.EmitResult, error) {
	return p.Publish(ctx, ref, models.EventTypeAgentCompleted, payload)
}

// Publish sends an event of any type. payload is a payload struct, a
// map[string]any, or nil.
func (p *EventPublisher) Publish(ctx context.Context, ref sequencer.RunRef, eventType string, payload any) (sequencer.EmitResult, error) {
	data, err := toData(payload)
	if err != nil {
		return sequencer.EmitResult{}, err
	}
	return p.seq.Emit(ctx, models.LifecycleEvent{
		Type:     eventType,
		UserID:   ref.UserID,
		ThreadID: ref.ThreadID,
		RunID:    ref.RunID,
		Data:     data,
	})
}
