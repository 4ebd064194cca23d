package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/queue"
)

// Releaser owns resources derived from a connection ID (for example router
// destinations) and drops them when the connection is unregistered.
type Releaser interface {
	ReleaseConnection(connectionID string)
}

// UnregisterResult describes what Unregister removed.
type UnregisterResult struct {
	ConnectionID string
	UserID       string
	Existed      bool
	// Pending holds messages that were still buffered for the connection.
	Pending []queue.QueuedMessage
}

type entry struct {
	machine      *StateMachine
	queue        *queue.MessageQueue
	registeredAt time.Time
}

// Registry is the process-wide map of connection ID to state machine and
// message queue. One instance is created at startup and passed to every
// consumer.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	queueCfg queue.Config

	hooksMu   sync.RWMutex
	releasers []Releaser
	observer  Observer
}

// NewRegistry creates an empty registry. Every registered connection gets
// a MessageQueue built from queueCfg.
func NewRegistry(queueCfg queue.Config) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		queueCfg: queueCfg,
	}
}

// AddReleaser registers a component to be notified on Unregister.
// Called during startup wiring.
func (r *Registry) AddReleaser(rel Releaser) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.releasers = append(r.releasers, rel)
}

// SetObserver installs a transition observer on every machine registered
// afterwards.
func (r *Registry) SetObserver(obs Observer) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.observer = obs
}

// Register creates a state machine in CONNECTING, plus its message queue.
func (r *Registry) Register(connectionID, userID string) (*StateMachine, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("connection %s: user id is required", connectionID)
	}

	m := NewStateMachine(connectionID, userID)
	r.hooksMu.RLock()
	if r.observer != nil {
		m.observer = r.observer
	}
	r.hooksMu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[connectionID]; exists {
		return nil, &DuplicateConnectionError{ConnectionID: connectionID}
	}
	r.entries[connectionID] = &entry{
		machine:      m,
		queue:        queue.NewMessageQueue(connectionID, m, r.queueCfg),
		registeredAt: time.Now(),
	}
	return m, nil
}

// StateMachine returns the machine for connectionID.
func (r *Registry) StateMachine(connectionID string) (*StateMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectionID]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Queue returns the message queue for connectionID.
func (r *Registry) Queue(connectionID string) (*queue.MessageQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectionID]
	if !ok {
		return nil, false
	}
	return e.queue, true
}

// Lookup returns both the machine and the queue for connectionID.
func (r *Registry) Lookup(connectionID string) (*StateMachine, *queue.MessageQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectionID]
	if !ok {
		return nil, nil, false
	}
	return e.machine, e.queue, true
}

// Unregister removes the connection and every resource derived from it.
// It is idempotent: a second call finds nothing and returns Existed=false.
func (r *Registry) Unregister(connectionID string) UnregisterResult {
	r.mu.Lock()
	e, ok := r.entries[connectionID]
	if ok {
		delete(r.entries, connectionID)
	}
	r.mu.Unlock()

	if !ok {
		return UnregisterResult{ConnectionID: connectionID}
	}

	if !e.machine.State().IsTerminal() {
		_, _ = e.machine.TransitionTo(StateDisconnected, "unregistered")
	}
	pending := e.queue.Drain()

	r.hooksMu.RLock()
	releasers := append([]Releaser(nil), r.releasers...)
	r.hooksMu.RUnlock()
	for _, rel := range releasers {
		rel.ReleaseConnection(connectionID)
	}

	slog.Debug("Connection unregistered",
		"connection_id", connectionID,
		"user_id", e.machine.UserID(),
		"pending", len(pending),
		"lifetime", time.Since(e.registeredAt))

	return UnregisterResult{
		ConnectionID: connectionID,
		UserID:       e.machine.UserID(),
		Existed:      true,
		Pending:      pending,
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ConnectionIDs returns the registered connection IDs, sorted.
func (r *Registry) ConnectionIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown unregisters every connection. It stops early when ctx expires
// and returns the context error; remaining entries stay registered.
func (r *Registry) Shutdown(ctx context.Context) error {
	ids := r.ConnectionIDs()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			slog.Warn("Registry shutdown interrupted", "remaining", r.Len(), "error", err)
			return err
		}
		r.Unregister(id)
	}
	slog.Info("Connection registry shut down", "connections", len(ids))
	return nil
}
