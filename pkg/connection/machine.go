package connection

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Transition is one entry of a machine's transition log.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionResult describes a successful state change.
type TransitionResult struct {
	ConnectionID string
	From         State
	To           State
	Reason       string
	At           time.Time
	Rollback     bool
}

// Observer is notified after every successful transition.
type Observer func(res TransitionResult)

// StateMachine is the readiness lifecycle of one connection.
//
// Transitions are serialized by a single writer lock. State reads are
// atomic snapshots and never take the lock, so any number of producers may
// call CanProcessMessages while a transition is in progress.
type StateMachine struct {
	connectionID string
	userID       string

	state atomic.Int32

	mu          sync.Mutex
	log         []Transition
	stable      State // state to return to on Rollback
	hasRollback bool
	observer    Observer

	now func() time.Time
}

// NewStateMachine creates a machine in CONNECTING. Use Registry.Register
// to create machines that are tracked process-wide.
func NewStateMachine(connectionID, userID string) *StateMachine {
	m := &StateMachine{
		connectionID: connectionID,
		userID:       userID,
		now:          time.Now,
	}
	m.state.Store(int32(StateConnecting))
	return m
}

// ConnectionID returns the connection this machine belongs to.
func (m *StateMachine) ConnectionID() string { return m.connectionID }

// UserID returns the authenticated owner of the connection.
func (m *StateMachine) UserID() string { return m.userID }

// State returns the current state.
func (m *StateMachine) State() State {
	return State(m.state.Load())
}

// CanProcessMessages reports whether application messages may be sent.
func (m *StateMachine) CanProcessMessages() bool {
	return m.State() == StateProcessingReady
}

// TransitionTo moves the machine to target if the transition table allows
// it. On refusal the state is unchanged and a *TransitionError is returned.
func (m *StateMachine) TransitionTo(target State, reason string) (TransitionResult, error) {
	m.mu.Lock()
	from := m.State()
	if !canTransition(from, target) {
		m.mu.Unlock()
		slog.Warn("Refused connection state transition",
			"connection_id", m.connectionID, "from", from, "to", target, "reason", reason)
		return TransitionResult{}, &TransitionError{
			ConnectionID: m.connectionID,
			From:         from,
			AttemptedTo:  target,
		}
	}

	if target == StateDisconnecting || target == StateDisconnected {
		m.hasRollback = false
	} else {
		m.stable = from
		m.hasRollback = true
	}
	res := m.applyLocked(from, target, reason, false)
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(res)
	}
	return res, nil
}

// Rollback reverts the most recent forward transition, returning to the
// last state that was confirmed stable. It is used when the work that
// followed a transition failed (e.g. service initialization after
// SERVICES_INITIALIZING). Only one step can be reverted.
func (m *StateMachine) Rollback(reason string) (TransitionResult, error) {
	m.mu.Lock()
	from := m.State()
	if !m.hasRollback || from == StateDisconnecting || from.IsTerminal() {
		m.mu.Unlock()
		return TransitionResult{}, &TransitionError{
			ConnectionID: m.connectionID,
			From:         from,
			AttemptedTo:  m.stable,
			Err:          ErrRollbackUnavailable,
		}
	}
	m.hasRollback = false
	res := m.applyLocked(from, m.stable, "rollback: "+reason, true)
	obs := m.observer
	m.mu.Unlock()

	slog.Info("Rolled back connection state",
		"connection_id", m.connectionID, "from", from, "to", res.To, "reason", reason)
	if obs != nil {
		obs(res)
	}
	return res, nil
}

// TransitionLog returns a copy of all transitions so far, oldest first.
func (m *StateMachine) TransitionLog() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.log))
	copy(out, m.log)
	return out
}

func (m *StateMachine) setObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = obs
}

func (m *StateMachine) applyLocked(from, to State, reason string, rollback bool) TransitionResult {
	at := m.now()
	m.log = append(m.log, Transition{From: from, To: to, Reason: reason, Timestamp: at})
	m.state.Store(int32(to))
	return TransitionResult{
		ConnectionID: m.connectionID,
		From:         from,
		To:           to,
		Reason:       reason,
		At:           at,
		Rollback:     rollback,
	}
}
