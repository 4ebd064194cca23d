package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
)

// RunRef identifies a run and its owner.
type RunRef struct {
	UserID   string
	ThreadID string
	RunID    string
}

// Run is a scoped handle on one started run. Finish closes it with exactly
// one agent_completed; use Finally in a defer to cover every exit path.
//
//	run, err := seq.Begin(ctx, ref, nil)
//	if err != nil { return err }
//	defer run.Finally(ctx, &err)
type Run struct {
	seq *Sequencer
	ref RunRef

	once   sync.Once
	result EmitResult
	err    error
}

// Begin emits agent_started for ref and returns the run handle. It fails
// only when the start event itself is rejected; a delivery problem is
// logged and the run is still started.
func (s *Sequencer) Begin(ctx context.Context, ref RunRef, data map[string]any) (*Run, error) {
	_, err := s.Emit(ctx, models.LifecycleEvent{
		Type:     models.EventTypeAgentStarted,
		UserID:   ref.UserID,
		ThreadID: ref.ThreadID,
		RunID:    ref.RunID,
		Data:     data,
	})
	if err != nil {
		if !isDeliveryError(err) {
			return nil, err
		}
		slog.Debug("agent_started not delivered live", "run_id", ref.RunID, "error", err)
	}
	return &Run{seq: s, ref: ref}, nil
}

// Ref returns the run's identity.
func (r *Run) Ref() RunRef { return r.ref }

// Thinking emits agent_thinking.
func (r *Run) Thinking(ctx context.Context, data map[string]any) (EmitResult, error) {
	return r.Emit(ctx, models.EventTypeAgentThinking, data)
}

// ToolExecuting emits tool_executing for toolID.
func (r *Run) ToolExecuting(ctx context.Context, toolID string, data map[string]any) (EmitResult, error) {
	return r.Emit(ctx, models.EventTypeToolExecuting, withField(data, "tool_id", toolID))
}

// ToolCompleted emits tool_completed for toolID.
func (r *Run) ToolCompleted(ctx context.Context, toolID string, data map[string]any) (EmitResult, error) {
	return r.Emit(ctx, models.EventTypeToolCompleted, withField(data, "tool_id", toolID))
}

// Emit sends an event of any type within the run.
func (r *Run) Emit(ctx context.Context, eventType string, data map[string]any) (EmitResult, error) {
	return r.seq.Emit(ctx, models.LifecycleEvent{
		Type:     eventType,
		UserID:   r.ref.UserID,
		ThreadID: r.ref.ThreadID,
		RunID:    r.ref.RunID,
		Data:     data,
	})
}

// Finish emits agent_completed with status success, or error when cause is
// non-nil. Only the first call emits; later calls return the first result.
func (r *Run) Finish(ctx context.Context, cause error) (EmitResult, error) {
	r.once.Do(func() {
		data := map[string]any{"status": models.CompletionStatusSuccess}
		if cause != nil {
			data["status"] = models.CompletionStatusError
			data["error"] = cause.Error()
		}
		r.result, r.err = r.Emit(ctx, models.EventTypeAgentCompleted, data)
		if r.err != nil && !isDeliveryError(r.err) {
			slog.Error("Failed to complete run", "run_id", r.ref.RunID, "error", r.err)
		}
	})
	return r.result, r.err
}

// Finally is meant to be deferred. It finishes the run with *errp (if
// errp is non-nil) and turns a panic into an error completion before
// re-panicking.
func (r *Run) Finally(ctx context.Context, errp *error) {
	if rec := recover(); rec != nil {
		_, _ = r.Finish(ctx, fmt.Errorf("panic: %v", rec))
		panic(rec)
	}
	var cause error
	if errp != nil {
		cause = *errp
	}
	_, _ = r.Finish(ctx, cause)
}

// isDeliveryError reports whether err happened after the event was accepted.
func isDeliveryError(err error) bool {
	var unavailable *router.BridgeUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var violation *SequenceViolationError
	if errors.As(err, &violation) || errors.Is(err, ErrUnresolvedOwner) || errors.Is(err, ErrInvalidEvent) {
		return false
	}
	var isolation *router.IsolationViolationError
	return !errors.As(err, &isolation)
}

func withField(data map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[key] = value
	return out
}
