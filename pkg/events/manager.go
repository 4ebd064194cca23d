package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/agentbridge/pkg/connection"
	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/queue"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
)

// Identity is the authenticated owner of a WebSocket, resolved before the
// upgrade.
type Identity struct {
	UserID    string
	SessionID string
	Metadata  map[string]string
}

// ServiceInitializer prepares the per-connection services a client needs
// before it may receive application messages.
type ServiceInitializer interface {
	InitializeServices(ctx context.Context, connectionID string, id Identity) error
}

// ServiceInitializerFunc adapts a function to ServiceInitializer.
type ServiceInitializerFunc func(ctx context.Context, connectionID string, id Identity) error

// InitializeServices calls f.
func (f ServiceInitializerFunc) InitializeServices(ctx context.Context, connectionID string, id Identity) error {
	return f(ctx, connectionID, id)
}

// ManagerConfig holds the timeouts of the connection lifecycle.
type ManagerConfig struct {
	WriteTimeout         time.Duration
	FlushTimeout         time.Duration
	ServicesReadyTimeout time.Duration
	HeartbeatInterval    time.Duration
}

// ConnectionManager drives WebSocket connections through the readiness
// state machine and owns their transport. Each process has one instance.
type ConnectionManager struct {
	registry    *connection.Registry
	router      *router.Router
	replay      *ReplayStore
	initializer ServiceInitializer
	metrics     *metrics.Recorder
	cfg         ManagerConfig

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// Connection represents a single WebSocket client.
type Connection struct {
	ID       string
	Identity Identity
	Conn     *websocket.Conn

	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration

	closeMu     sync.Mutex
	closeStatus websocket.StatusCode
	closeReason string
}

// Send writes one message with the manager's write timeout. It implements
// router.Sender.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("connection %s closed: %w", c.ID, err)
	}
	// A write abandoned mid-frame closes the socket without a close frame,
	// so only the write timeout bounds it.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, payload)
}

func (c *Connection) setClose(status websocket.StatusCode, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closeStatus = status
	c.closeReason = reason
}

func (c *Connection) closeInfo() (websocket.StatusCode, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeStatus, c.closeReason
}

// NewConnectionManager creates a ConnectionManager and registers the
// built-in client action handlers on r. initializer and rec may be nil.
func NewConnectionManager(
	registry *connection.Registry,
	r *router.Router,
	replay *ReplayStore,
	initializer ServiceInitializer,
	rec *metrics.Recorder,
	cfg ManagerConfig,
) *ConnectionManager {
	m := &ConnectionManager{
		registry:    registry,
		router:      r,
		replay:      replay,
		initializer: initializer,
		metrics:     rec,
		cfg:         cfg,
		connections: make(map[string]*Connection),
	}
	r.AddHandler(ClientHandlerType(ClientActionPing), func(context.Context, router.RoutedMessage, router.RoutingContext) (any, error) {
		return PongMessage{Type: MessageTypePong, Timestamp: models.FormatTimestamp(time.Now())}, nil
	}, 0)
	return m
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade with the identity the
// handler authenticated. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, id Identity) {
	m.wg.Add(1)
	defer m.wg.Done()

	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:           connID,
		Identity:     id,
		Conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: m.cfg.WriteTimeout,
		closeStatus:  websocket.StatusNormalClosure,
	}

	machine, err := m.registry.Register(connID, id.UserID)
	if err != nil {
		slog.Error("Failed to register connection", "connection_id", connID, "user_id", id.UserID, "error", err)
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	m.track(c)
	defer m.teardown(c, machine)

	log := slog.With("connection_id", connID, "user_id", id.UserID)

	if !m.advance(machine, connection.StateAccepted, "websocket accepted") {
		return
	}
	m.sendJSON(c, ConnectionEstablishedMessage{
		Type:         MessageTypeConnectionEstablished,
		ConnectionID: connID,
		UserID:       id.UserID,
		SessionID:    id.SessionID,
	})

	// Registered before readiness so producers reach the queue during setup.
	if err := m.router.RegisterConnection(router.Registration{
		ConnectionID: connID,
		UserID:       id.UserID,
		SessionID:    id.SessionID,
		Metadata:     id.Metadata,
		Sender:       c,
	}); err != nil {
		log.Error("Failed to register route destination", "error", err)
		c.setClose(websocket.StatusInternalError, "routing unavailable")
		return
	}

	// Authentication happened at the HTTP upgrade; the identity is final.
	if !m.advance(machine, connection.StateAuthenticating, "verifying identity") ||
		!m.advance(machine, connection.StateAuthenticated, "identity verified") ||
		!m.advance(machine, connection.StateServicesInitializing, "initializing services") {
		return
	}

	if err := m.initializeServices(ctx, c); err != nil {
		reason := RejectReasonServicesFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = RejectReasonServicesTimeout
		}
		log.Warn("Service initialization failed, rejecting connection", "reason", reason, "error", err)
		_, _ = machine.Rollback(reason)
		_, _ = machine.TransitionTo(connection.StateDisconnecting, reason)
		m.sendJSON(c, ConnectionRejectedMessage{
			Type:         MessageTypeConnectionRejected,
			ConnectionID: connID,
			Reason:       reason,
			Message:      "connection services could not be initialized, retry later",
		})
		c.setClose(websocket.StatusTryAgainLater, reason)
		return
	}

	if !m.advance(machine, connection.StateServicesReady, "services ready") ||
		!m.advance(machine, connection.StateProcessingReady, "processing ready") {
		return
	}

	if err := m.flushBacklog(ctx, c); err != nil {
		log.Warn("Failed to deliver connection backlog", "error", err)
		c.setClose(websocket.StatusInternalError, "backlog delivery failed")
		return
	}

	hbDone := make(chan struct{})
	hbCtx, hbCancel := context.WithCancel(ctx)
	go m.heartbeat(hbCtx, c, hbDone)
	defer func() {
		hbCancel()
		<-hbDone
	}()

	// Read loop: process client messages until the connection closes.
	// Reads use parentCtx: cancelling ctx must not drop the socket before
	// the close frame is written.
	for {
		_, data, err := conn.Read(parentCtx)
		if err != nil {
			return
		}
		m.router.Touch(connID)

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Invalid WebSocket message", "error", err)
			m.sendJSON(c, ErrorMessage{Type: MessageTypeError, Message: "invalid message"})
			continue
		}
		m.handleClientMessage(ctx, c, &msg, data)
	}
}

// advance applies a forward transition. A refusal means the connection is
// being torn down concurrently.
func (m *ConnectionManager) advance(machine *connection.StateMachine, target connection.State, reason string) bool {
	_, err := machine.TransitionTo(target, reason)
	return err == nil
}

func (m *ConnectionManager) initializeServices(ctx context.Context, c *Connection) error {
	if m.initializer == nil {
		return nil
	}
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.ServicesReadyTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.initializer.InitializeServices(initCtx, c.ID, c.Identity)
	}()
	select {
	case err := <-errCh:
		if err == nil && initCtx.Err() != nil {
			return initCtx.Err()
		}
		return err
	case <-initCtx.Done():
		return fmt.Errorf("services not ready after %s: %w", m.cfg.ServicesReadyTimeout, initCtx.Err())
	}
}

// flushBacklog replays retained messages, then flushes the messages queued
// during setup followed by connection.ready.
func (m *ConnectionManager) flushBacklog(ctx context.Context, c *Connection) error {
	q, ok := m.registry.Queue(c.ID)
	if !ok {
		return connection.ErrNotRegistered
	}

	var replayed [][]byte
	var overflow bool
	if m.replay != nil {
		replayed, overflow = m.replay.Take(c.Identity.UserID, c.Identity.SessionID)
	}
	for i, payload := range replayed {
		if err := c.Send(ctx, payload); err != nil {
			for _, rest := range replayed[i:] {
				m.replay.Retain(c.Identity.UserID, c.Identity.SessionID, rest, models.PriorityNormal)
			}
			return fmt.Errorf("replay: %w", err)
		}
	}
	if overflow {
		m.sendJSON(c, ReplayOverflowMessage{Type: MessageTypeReplayOverflow, HasMore: true})
	}

	ready, _ := json.Marshal(ConnectionReadyMessage{
		Type:         MessageTypeConnectionReady,
		ConnectionID: c.ID,
		Replayed:     len(replayed),
		Queued:       q.Size(),
		Timestamp:    models.FormatTimestamp(time.Now()),
	})
	// Enqueued behind the setup backlog so it is delivered last.
	if _, err := q.EnqueueIfNotReady(ready, models.PriorityCritical); err != nil {
		return fmt.Errorf("queue connection.ready: %w", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, m.cfg.FlushTimeout)
	defer cancel()
	start := time.Now()
	res, err := q.FlushWhenReady(flushCtx, func(ctx context.Context, batch []queue.QueuedMessage) (int, error) {
		for i, msg := range batch {
			if err := c.Send(ctx, msg.Payload); err != nil {
				return i, err
			}
		}
		return len(batch), nil
	})
	m.metrics.ObserveFlush(time.Since(start))
	if err != nil {
		return err
	}
	slog.Debug("Connection ready",
		"connection_id", c.ID, "replayed", len(replayed), "flushed", res.Delivered, "rounds", res.Rounds)
	return nil
}

// heartbeat routes a heartbeat through the router at a fixed interval, so
// heartbeats honor readiness like any other producer.
func (m *ConnectionManager) heartbeat(ctx context.Context, c *Connection, done chan<- struct{}) {
	defer close(done)
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, err := m.router.RouteMessage(ctx,
				router.RoutedMessage{Type: MessageTypeHeartbeat, UserID: c.Identity.UserID, Payload: heartbeatPayload(now)},
				router.RoutingContext{
					UserID:       c.Identity.UserID,
					ConnectionID: c.ID,
					Strategy:     router.StrategyUserSpecific,
					Priority:     models.PriorityNormal,
				})
			var unavailable *router.BridgeUnavailableError
			if errors.As(err, &unavailable) {
				// Destination deactivated or removed; the connection is going away.
				return
			}
			if err != nil {
				slog.Debug("Heartbeat not delivered", "connection_id", c.ID, "error", err)
			}
		}
	}
}

// handleClientMessage dispatches a client message to the router handlers
// registered for its action and sends back every non-nil result.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage, raw []byte) {
	if msg.Action == "" {
		m.sendJSON(c, ErrorMessage{Type: MessageTypeError, Message: "action is required"})
		return
	}
	results := m.router.ExecuteHandlers(ctx, ClientHandlerType(msg.Action),
		router.RoutedMessage{Type: msg.Action, UserID: c.Identity.UserID, Payload: raw},
		router.RoutingContext{
			UserID:       c.Identity.UserID,
			SessionID:    c.Identity.SessionID,
			ConnectionID: c.ID,
			Strategy:     router.StrategyUserSpecific,
		})
	if len(results) == 0 {
		m.sendJSON(c, ErrorMessage{Type: MessageTypeError, Message: "unknown action: " + msg.Action})
		return
	}
	for _, res := range results {
		if res != nil {
			m.sendJSON(c, res)
		}
	}
}

// Disconnect closes a connection from outside its read loop with
// StatusGoingAway and reason. It returns false if the connection is not
// handled by this manager.
func (m *ConnectionManager) Disconnect(connectionID, reason string) bool {
	m.mu.RLock()
	c, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	slog.Info("Disconnecting connection", "connection_id", connectionID, "reason", reason)
	c.setClose(websocket.StatusGoingAway, reason)
	c.cancel()
	// The close handshake can take seconds against a slow peer. Writing the
	// close frame ends the read loop, which then runs teardown.
	go func() {
		if err := c.Conn.Close(websocket.StatusGoingAway, reason); err != nil {
			slog.Debug("Close handshake incomplete", "connection_id", connectionID, "error", err)
		}
	}()
	return true
}

// Shutdown disconnects every connection and waits for their handlers to
// finish, bounded by ctx.
func (m *ConnectionManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Disconnect(id, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d connections to close: %w", m.ActiveConnections(), ctx.Err())
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) track(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	m.metrics.ConnectionOpened()
}

// teardown always runs when HandleConnection returns: the machine enters
// DISCONNECTING, the registry entry and router destination are removed,
// undelivered messages are kept for replay and the socket is closed.
func (m *ConnectionManager) teardown(c *Connection, machine *connection.StateMachine) {
	if !machine.State().IsTerminal() && machine.State() != connection.StateDisconnecting {
		_, _ = machine.TransitionTo(connection.StateDisconnecting, "connection closing")
	}

	res := m.registry.Unregister(c.ID)
	if m.replay != nil && len(res.Pending) > 0 {
		kept := m.replay.RetainQueued(c.Identity.UserID, c.Identity.SessionID, res.Pending)
		slog.Info("Retained undelivered messages for replay",
			"connection_id", c.ID, "user_id", c.Identity.UserID, "pending", len(res.Pending), "retained", kept)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	m.metrics.ConnectionClosed()

	c.cancel()
	status, reason := c.closeInfo()
	_ = c.Conn.Close(status, reason)
}

// sendJSON marshals and sends a control message directly to a single
// connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := c.Send(c.ctx, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}
