package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/queue"
)

type destination struct {
	reg          Registration
	lastActivity atomic.Int64 // unix nanos
	active       atomic.Bool
}

func (d *destination) touch(at time.Time) {
	d.lastActivity.Store(at.UnixNano())
}

func (d *destination) snapshot() Destination {
	var md map[string]string
	if len(d.reg.Metadata) > 0 {
		md = make(map[string]string, len(d.reg.Metadata))
		for k, v := range d.reg.Metadata {
			md[k] = v
		}
	}
	return Destination{
		ConnectionID: d.reg.ConnectionID,
		UserID:       d.reg.UserID,
		SessionID:    d.reg.SessionID,
		LastActivity: time.Unix(0, d.lastActivity.Load()),
		Active:       d.active.Load(),
		Metadata:     md,
	}
}

// userSet is the destination set of one user, guarded by its own lock.
type userSet struct {
	mu    sync.RWMutex
	dests map[string]*destination
}

// Router delivers messages to the connections of the user that owns them.
type Router struct {
	mu     sync.RWMutex
	users  map[string]*userSet
	owners map[string]string // connection ID -> user ID

	queues   QueueSource
	retainer Retainer
	metrics  *metrics.Recorder
	cfg      Config
	sem      chan struct{}

	handlersMu  sync.RWMutex
	handlers    map[string][]handlerEntry
	nextHandler HandlerID

	now func() time.Time
}

// New creates a Router. retainer and rec may be nil.
func New(queues QueueSource, retainer Retainer, rec *metrics.Recorder, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = def.MaxConcurrentSends
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Router{
		users:    make(map[string]*userSet),
		owners:   make(map[string]string),
		queues:   queues,
		retainer: retainer,
		metrics:  rec,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrentSends),
		handlers: make(map[string][]handlerEntry),
		now:      time.Now,
	}
}

// RegisterConnection adds a destination to its user's set.
func (r *Router) RegisterConnection(reg Registration) error {
	if reg.ConnectionID == "" || reg.UserID == "" {
		return fmt.Errorf("%w: connection id and user id are required", ErrInvalidRouting)
	}
	if reg.Sender == nil {
		return fmt.Errorf("%w: connection %s has no sender", ErrInvalidRouting, reg.ConnectionID)
	}

	d := &destination{reg: reg}
	d.touch(r.now())
	d.active.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.owners[reg.ConnectionID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.ConnectionID)
	}
	set, ok := r.users[reg.UserID]
	if !ok {
		set = &userSet{dests: make(map[string]*destination)}
		r.users[reg.UserID] = set
	}
	set.mu.Lock()
	set.dests[reg.ConnectionID] = d
	set.mu.Unlock()
	r.owners[reg.ConnectionID] = reg.UserID

	slog.Debug("Destination registered",
		"connection_id", reg.ConnectionID, "user_id", reg.UserID, "session_id", reg.SessionID)
	return nil
}

// UnregisterConnection removes exactly the destination for connectionID.
// It returns false if no such destination exists.
func (r *Router) UnregisterConnection(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.owners[connectionID]
	if !ok {
		return false
	}
	delete(r.owners, connectionID)

	if set, ok := r.users[userID]; ok {
		set.mu.Lock()
		delete(set.dests, connectionID)
		empty := len(set.dests) == 0
		set.mu.Unlock()
		if empty {
			delete(r.users, userID)
		}
	}
	return true
}

// ReleaseConnection implements connection.Releaser.
func (r *Router) ReleaseConnection(connectionID string) {
	r.UnregisterConnection(connectionID)
}

// Touch records inbound activity on a connection.
func (r *Router) Touch(connectionID string) {
	if d := r.lookup(connectionID); d != nil {
		d.touch(r.now())
	}
}

// Destination returns a snapshot of one destination.
func (r *Router) Destination(connectionID string) (Destination, bool) {
	d := r.lookup(connectionID)
	if d == nil {
		return Destination{}, false
	}
	return d.snapshot(), true
}

// Destinations returns snapshots of a user's destinations, sorted by
// connection ID.
func (r *Router) Destinations(userID string) []Destination {
	r.mu.RLock()
	set := r.users[userID]
	r.mu.RUnlock()
	if set == nil {
		return nil
	}
	set.mu.RLock()
	out := make([]Destination, 0, len(set.dests))
	for _, d := range set.dests {
		out = append(out, d.snapshot())
	}
	set.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// ConnectionCount returns the number of registered destinations.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// UserCount returns the number of users with at least one destination.
func (r *Router) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// RouteMessage delivers msg to the destinations selected by rctx.
//
// Each selected destination's MessageQueue decides whether the message is
// buffered or sent now. Sends run concurrently over a snapshot of the
// destinations; destinations whose send failed are deactivated once all
// sends have finished.
//
// When nothing matched, the message is handed to the retainer and a
// *BridgeUnavailableError is returned. Isolation violations are returned
// as *IsolationViolationError.
func (r *Router) RouteMessage(ctx context.Context, msg RoutedMessage, rctx RoutingContext) (RoutingResult, error) {
	if rctx.Strategy == "" {
		rctx.Strategy = StrategyUserSpecific
	}
	if !rctx.Strategy.IsValid() {
		return RoutingResult{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRouting, rctx.Strategy)
	}
	if rctx.Strategy != StrategyBroadcastAll {
		if rctx.UserID == "" {
			return RoutingResult{}, fmt.Errorf("%w: user id is required for %s routing", ErrInvalidRouting, rctx.Strategy)
		}
		if msg.UserID == "" {
			msg.UserID = rctx.UserID
		}
		if msg.UserID != rctx.UserID {
			v := &IsolationViolationError{MessageOwner: msg.UserID, ContextUser: rctx.UserID}
			r.reportViolation(v, msg, rctx)
			return RoutingResult{}, v
		}
	}
	if rctx.Strategy == StrategySessionSpecific && rctx.SessionID == "" {
		return RoutingResult{}, fmt.Errorf("%w: session id is required for session_specific routing", ErrInvalidRouting)
	}

	targets := r.selectDestinations(rctx)
	if len(targets) == 0 {
		var res RoutingResult
		res.Retained = r.retain(msg, rctx)
		r.metrics.MessageRouted(string(rctx.Strategy), "unavailable")
		return res, &BridgeUnavailableError{UserID: rctx.UserID, Strategy: rctx.Strategy, Retained: res.Retained}
	}

	res, violations := r.fanOut(ctx, msg, rctx, targets)
	if len(violations) > 0 {
		return res, errors.Join(violations...)
	}
	if res.Reached() == 0 && len(res.Failed) > 0 {
		res.Retained = r.retain(msg, rctx)
	}
	return res, nil
}

// selectDestinations snapshots the active destinations matching rctx.
func (r *Router) selectDestinations(rctx RoutingContext) []*destination {
	var sets []*userSet
	r.mu.RLock()
	if rctx.Strategy == StrategyBroadcastAll {
		sets = make([]*userSet, 0, len(r.users))
		for _, set := range r.users {
			sets = append(sets, set)
		}
	} else if set, ok := r.users[rctx.UserID]; ok {
		sets = []*userSet{set}
	}
	r.mu.RUnlock()

	var out []*destination
	for _, set := range sets {
		set.mu.RLock()
		for id, d := range set.dests {
			if !d.active.Load() {
				continue
			}
			if rctx.ConnectionID != "" && id != rctx.ConnectionID {
				continue
			}
			if rctx.Strategy == StrategySessionSpecific && d.reg.SessionID != rctx.SessionID {
				continue
			}
			out = append(out, d)
		}
		set.mu.RUnlock()
	}
	return out
}

type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeQueued
	outcomeFailed
	outcomeDropped
	outcomeViolation
)

var outcomeLabels = map[deliveryOutcome]string{
	outcomeDelivered: "delivered",
	outcomeQueued:    "queued",
	outcomeFailed:    "failed",
	outcomeDropped:   "dropped",
	outcomeViolation: "isolation_violation",
}

func (r *Router) fanOut(ctx context.Context, msg RoutedMessage, rctx RoutingContext, targets []*destination) (RoutingResult, []error) {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		res        RoutingResult
		violations []error
		failed     []*destination
	)

	for _, d := range targets {
		wg.Add(1)
		go func(d *destination) {
			defer wg.Done()
			outcome, err := r.deliverOne(ctx, d, msg, rctx)
			r.metrics.MessageRouted(string(rctx.Strategy), outcomeLabels[outcome])

			id := d.reg.ConnectionID
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeDelivered:
				res.Delivered = append(res.Delivered, id)
			case outcomeQueued:
				res.Queued = append(res.Queued, id)
			case outcomeDropped:
				res.Dropped = append(res.Dropped, id)
			case outcomeFailed:
				res.Failed = append(res.Failed, id)
				failed = append(failed, d)
			case outcomeViolation:
				violations = append(violations, err)
			}
		}(d)
	}
	wg.Wait()

	for _, d := range failed {
		d.active.Store(false)
	}
	sort.Strings(res.Delivered)
	sort.Strings(res.Queued)
	sort.Strings(res.Failed)
	sort.Strings(res.Dropped)
	return res, violations
}

// deliverOne checks ownership, then lets the connection's queue decide
// between buffering and an immediate send.
func (r *Router) deliverOne(ctx context.Context, d *destination, msg RoutedMessage, rctx RoutingContext) (deliveryOutcome, error) {
	id := d.reg.ConnectionID
	if (msg.UserID != "" && d.reg.UserID != msg.UserID) ||
		(rctx.Strategy != StrategyBroadcastAll && d.reg.UserID != rctx.UserID) {
		v := &IsolationViolationError{
			ConnectionID:     id,
			DestinationOwner: d.reg.UserID,
			MessageOwner:     msg.UserID,
			ContextUser:      rctx.UserID,
		}
		r.reportViolation(v, msg, rctx)
		return outcomeViolation, v
	}

	q, ok := r.queues.Queue(id)
	if !ok {
		slog.Warn("Destination has no message queue", "connection_id", id, "user_id", d.reg.UserID)
		return outcomeFailed, ErrNoQueue
	}

	qres, err := q.EnqueueIfNotReady(msg.Payload, rctx.Priority)
	if qres.Evicted > 0 || errors.As(err, new(*queue.BufferOverflowError)) {
		r.metrics.QueueOverflow(string(q.Policy()))
	}
	switch qres.Action {
	case queue.ActionQueued:
		if err != nil {
			slog.Warn("Message queued with overflow", "connection_id", id, "error", err)
		}
		return outcomeQueued, nil
	case queue.ActionRejected:
		slog.Warn("Message rejected by connection queue",
			"connection_id", id, "type", msg.Type, "error", err)
		return outcomeDropped, err
	}

	release, err := r.acquire(ctx, rctx)
	if err != nil {
		if errors.Is(err, errShed) {
			r.metrics.MessageShed()
			slog.Debug("Shed message under backpressure",
				"connection_id", id, "type", msg.Type, "priority", rctx.Priority)
		}
		return outcomeDropped, err
	}
	defer release()

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := d.reg.Sender.Send(sendCtx, msg.Payload); err != nil {
		r.metrics.SendFailed()
		slog.Warn("Failed to send message, deactivating destination",
			"connection_id", id, "user_id", d.reg.UserID, "type", msg.Type, "error", err)
		return outcomeFailed, err
	}
	d.touch(r.now())
	return outcomeDelivered, nil
}

var errShed = errors.New("shed under backpressure")

// acquire takes a send slot. Under priority_based routing, CRITICAL
// messages never wait for a slot and NORMAL messages are shed when none is
// free; everything else waits.
func (r *Router) acquire(ctx context.Context, rctx RoutingContext) (func(), error) {
	release := func() { <-r.sem }
	if rctx.Strategy == StrategyPriorityBased {
		switch rctx.Priority {
		case models.PriorityCritical:
			return func() {}, nil
		case models.PriorityNormal:
			select {
			case r.sem <- struct{}{}:
				return release, nil
			default:
				return nil, errShed
			}
		}
	}
	select {
	case r.sem <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// retain hands an undeliverable message to the replay store. Broadcasts and
// messages aimed at a single connection are not retained.
func (r *Router) retain(msg RoutedMessage, rctx RoutingContext) bool {
	if r.retainer == nil || msg.UserID == "" || rctx.ConnectionID != "" || rctx.Strategy == StrategyBroadcastAll {
		return false
	}
	r.retainer.Retain(msg.UserID, rctx.SessionID, msg.Payload, rctx.Priority)
	return true
}

func (r *Router) reportViolation(v *IsolationViolationError, msg RoutedMessage, rctx RoutingContext) {
	r.metrics.IsolationViolation(string(rctx.Strategy))
	slog.Error("Isolation violation blocked delivery",
		"connection_id", v.ConnectionID,
		"destination_user_id", v.DestinationOwner,
		"message_user_id", v.MessageOwner,
		"context_user_id", v.ContextUser,
		"strategy", rctx.Strategy,
		"type", msg.Type)
}

// CleanupInactiveConnections removes destinations that were deactivated or
// have seen no activity for longer than timeout, and returns their IDs.
func (r *Router) CleanupInactiveConnections(timeout time.Duration) []string {
	cutoff := r.now().Add(-timeout).UnixNano()

	r.mu.RLock()
	sets := make([]*userSet, 0, len(r.users))
	for _, set := range r.users {
		sets = append(sets, set)
	}
	r.mu.RUnlock()

	var stale []string
	for _, set := range sets {
		set.mu.RLock()
		for id, d := range set.dests {
			if !d.active.Load() || d.lastActivity.Load() < cutoff {
				stale = append(stale, id)
			}
		}
		set.mu.RUnlock()
	}

	removed := make([]string, 0, len(stale))
	for _, id := range stale {
		if r.UnregisterConnection(id) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		slog.Info("Removed inactive destinations", "count", len(removed), "timeout", timeout)
	}
	return removed
}

func (r *Router) lookup(connectionID string) *destination {
	r.mu.RLock()
	set := r.users[r.owners[connectionID]]
	r.mu.RUnlock()
	if set == nil {
		return nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	return set.dests[connectionID]
}
