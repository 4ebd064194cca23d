// Package sequencer enforces the lifecycle order of agent runs and assigns
// per-run sequence numbers.
//
// A run moves NOT_STARTED -> STARTED -> (THINKING | TOOL_ACTIVE)* ->
// COMPLETED. agent_started opens it, tool_executing/tool_completed pairs
// may interleave across tools, and agent_completed closes it exactly once.
// Accepted events are numbered from 1 and routed to the run owner while the
// run lock is held, so delivery order is sequence order.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
)

// Phase is the lifecycle position of a run.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseStarted
	PhaseThinking
	PhaseToolActive
	PhaseCompleted
)

var phaseNames = [...]string{
	PhaseNotStarted: "NOT_STARTED",
	PhaseStarted:    "STARTED",
	PhaseThinking:   "THINKING",
	PhaseToolActive: "TOOL_ACTIVE",
	PhaseCompleted:  "COMPLETED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Router delivers sequenced events. Implemented by *router.Router.
type Router interface {
	RouteMessage(ctx context.Context, msg router.RoutedMessage, rctx router.RoutingContext) (router.RoutingResult, error)
}

// EmitResult is the outcome of an accepted event.
type EmitResult struct {
	Event   models.LifecycleEvent
	Routing router.RoutingResult
}

// RunSnapshot is a point-in-time view of one run.
type RunSnapshot struct {
	RunID        string    `json:"run_id"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	Phase        Phase     `json:"phase"`
	LastSequence int64     `json:"last_sequence"`
	ActiveTools  []string  `json:"active_tools"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

type runState struct {
	mu          sync.Mutex
	runID       string
	owner       string
	threadID    string
	phase       Phase
	seq         int64
	activeTools map[string]struct{}
	startedAt   time.Time
	completedAt time.Time
}

// Sequencer tracks every run in the process.
type Sequencer struct {
	mu   sync.Mutex
	runs map[string]*runState

	router  Router
	metrics *metrics.Recorder
	now     func() time.Time
}

// New creates a Sequencer that delivers through r. rec may be nil.
func New(r Router, rec *metrics.Recorder) *Sequencer {
	return &Sequencer{
		runs:    make(map[string]*runState),
		router:  r,
		metrics: rec,
		now:     time.Now,
	}
}

// Emit validates ev against its run, assigns the next sequence number and
// routes it to the run owner.
//
// A rejected event returns *SequenceViolationError, ErrUnresolvedOwner or
// *router.IsolationViolationError and changes nothing. Once an event is
// accepted its sequence number is committed; a delivery problem (for
// example *router.BridgeUnavailableError when the owner has no open
// connection) is returned together with a populated EmitResult.
func (s *Sequencer) Emit(ctx context.Context, ev models.LifecycleEvent) (EmitResult, error) {
	if ev.Type == "" || ev.RunID == "" {
		return EmitResult{}, fmt.Errorf("%w: type and run_id are required", ErrInvalidEvent)
	}

	st, err := s.acquireRun(ev)
	if err != nil {
		return EmitResult{}, err
	}
	defer st.mu.Unlock()

	if ev.UserID == "" {
		ev.UserID = st.owner
	}
	if ev.UserID != st.owner {
		v := &router.IsolationViolationError{MessageOwner: ev.UserID, ContextUser: st.owner}
		slog.Error("Lifecycle event owner does not match run owner",
			"run_id", st.runID, "type", ev.Type, "event_user_id", ev.UserID, "run_user_id", st.owner)
		s.metrics.SequenceViolation(ev.Type)
		return EmitResult{}, v
	}

	if err := s.checkLocked(st, &ev); err != nil {
		s.metrics.SequenceViolation(ev.Type)
		slog.Warn("Rejected out-of-order lifecycle event",
			"run_id", st.runID, "user_id", st.owner, "type", ev.Type, "phase", st.phase, "error", err)
		return EmitResult{}, err
	}

	s.applyLocked(st, &ev)
	s.metrics.EventSequenced(ev.Type)

	payload, err := ev.Marshal()
	if err != nil {
		return EmitResult{Event: ev}, err
	}
	routing, err := s.router.RouteMessage(ctx,
		router.RoutedMessage{Type: ev.Type, UserID: st.owner, Payload: payload},
		router.RoutingContext{
			UserID:   st.owner,
			Strategy: router.StrategyUserSpecific,
			Priority: models.PriorityForEventType(ev.Type),
		})
	res := EmitResult{Event: ev, Routing: routing}
	if err != nil {
		return res, fmt.Errorf("deliver %s #%d for run %s: %w", ev.Type, ev.SequenceNumber, st.runID, err)
	}
	return res, nil
}

// acquireRun returns the locked state for ev's run, creating it for
// agent_started.
func (s *Sequencer) acquireRun(ev models.LifecycleEvent) (*runState, error) {
	s.mu.Lock()
	st, ok := s.runs[ev.RunID]
	if ok {
		s.mu.Unlock()
		st.mu.Lock()
		return st, nil
	}
	defer s.mu.Unlock()

	if ev.UserID == "" {
		return nil, fmt.Errorf("run %s: %w", ev.RunID, ErrUnresolvedOwner)
	}
	if ev.Type != models.EventTypeAgentStarted {
		s.metrics.SequenceViolation(ev.Type)
		err := &SequenceViolationError{
			RunID:     ev.RunID,
			EventType: ev.Type,
			Phase:     PhaseNotStarted,
			Reason:    "agent_started must be the first event of a run",
		}
		slog.Warn("Rejected lifecycle event for unstarted run",
			"run_id", ev.RunID, "user_id", ev.UserID, "type", ev.Type)
		return nil, err
	}

	st = &runState{
		runID:       ev.RunID,
		owner:       ev.UserID,
		threadID:    ev.ThreadID,
		phase:       PhaseNotStarted,
		activeTools: make(map[string]struct{}),
	}
	st.mu.Lock()
	s.runs[ev.RunID] = st
	return st, nil
}

func (s *Sequencer) checkLocked(st *runState, ev *models.LifecycleEvent) error {
	violation := func(reason string) error {
		return &SequenceViolationError{RunID: st.runID, EventType: ev.Type, Phase: st.phase, Reason: reason}
	}

	if st.phase == PhaseCompleted {
		return violation("run already completed")
	}
	switch ev.Type {
	case models.EventTypeAgentStarted:
		if st.phase != PhaseNotStarted {
			return violation("run already started")
		}
		return nil
	}
	if st.phase == PhaseNotStarted {
		return violation("agent_started must be the first event of a run")
	}

	switch ev.Type {
	case models.EventTypeToolExecuting:
		id := ev.ToolID()
		if id == "" {
			return violation("tool_id is required")
		}
		if _, active := st.activeTools[id]; active {
			return violation(fmt.Sprintf("tool %s is already executing", id))
		}
	case models.EventTypeToolCompleted:
		id := ev.ToolID()
		if id == "" {
			return violation("tool_id is required")
		}
		if _, active := st.activeTools[id]; !active {
			return violation(fmt.Sprintf("tool %s was never started", id))
		}
	case models.EventTypeAgentCompleted:
		status, _ := ev.Data["status"].(string)
		if status != models.CompletionStatusSuccess && status != models.CompletionStatusError {
			return violation(fmt.Sprintf("status must be %q or %q", models.CompletionStatusSuccess, models.CompletionStatusError))
		}
	}
	return nil
}

func (s *Sequencer) applyLocked(st *runState, ev *models.LifecycleEvent) {
	now := s.now()
	st.seq++
	ev.SequenceNumber = st.seq
	if ev.Timestamp == "" {
		ev.Timestamp = models.FormatTimestamp(now)
	}
	if ev.ThreadID == "" {
		ev.ThreadID = st.threadID
	}

	switch ev.Type {
	case models.EventTypeAgentStarted:
		st.phase = PhaseStarted
		st.startedAt = now
	case models.EventTypeAgentThinking:
		if len(st.activeTools) == 0 {
			st.phase = PhaseThinking
		}
	case models.EventTypeToolExecuting:
		st.activeTools[ev.ToolID()] = struct{}{}
		st.phase = PhaseToolActive
	case models.EventTypeToolCompleted:
		delete(st.activeTools, ev.ToolID())
		if len(st.activeTools) == 0 {
			st.phase = PhaseThinking
		}
	case models.EventTypeAgentCompleted:
		if len(st.activeTools) > 0 {
			slog.Warn("Run completed with tools still executing",
				"run_id", st.runID, "active_tools", len(st.activeTools))
			clear(st.activeTools)
		}
		st.phase = PhaseCompleted
		st.completedAt = now
	}
}

// Snapshot returns the state of one run.
func (s *Sequencer) Snapshot(runID string) (RunSnapshot, bool) {
	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return RunSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tools := make([]string, 0, len(st.activeTools))
	for id := range st.activeTools {
		tools = append(tools, id)
	}
	sort.Strings(tools)
	return RunSnapshot{
		RunID:        st.runID,
		UserID:       st.owner,
		ThreadID:     st.threadID,
		Phase:        st.phase,
		LastSequence: st.seq,
		ActiveTools:  tools,
		StartedAt:    st.startedAt,
		CompletedAt:  st.completedAt,
	}, true
}

// ActiveRuns returns the number of runs that have not completed.
func (s *Sequencer) ActiveRuns() int {
	s.mu.Lock()
	runs := make([]*runState, 0, len(s.runs))
	for _, st := range s.runs {
		runs = append(runs, st)
	}
	s.mu.Unlock()

	n := 0
	for _, st := range runs {
		st.mu.Lock()
		if st.phase != PhaseCompleted {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// PruneCompleted drops runs that completed more than olderThan ago and
// returns how many were removed. Events for a pruned run ID are treated as
// a new run.
func (s *Sequencer) PruneCompleted(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	candidates := make(map[string]*runState, len(s.runs))
	for id, st := range s.runs {
		candidates[id] = st
	}
	s.mu.Unlock()

	var expired []string
	for id, st := range candidates {
		st.mu.Lock()
		if st.phase == PhaseCompleted && st.completedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		st.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range expired {
		if s.runs[id] == candidates[id] {
			delete(s.runs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Pruned completed runs", "count", removed)
	}
	return removed
}
