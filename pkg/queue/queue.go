package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
)

// MessageQueue is the per-connection buffer for messages produced before
// the connection reached readiness.
//
// A connection is "ready" for direct sends only once the checker reports
// ready AND the backlog of the current readiness cycle has been flushed.
// Until then every message is buffered, so a direct send can never overtake
// older buffered messages.
type MessageQueue struct {
	connectionID string
	checker      ReadinessChecker
	cfg          Config

	mu       sync.Mutex
	idle     *sync.Cond // signalled when a flush finishes
	items    []QueuedMessage
	overflow bool
	flushing bool
	flushed  bool
	closed   bool

	now func() time.Time
}

// NewMessageQueue creates a queue bound to the readiness of one connection.
func NewMessageQueue(connectionID string, checker ReadinessChecker, cfg Config) *MessageQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if !cfg.OverflowPolicy.IsValid() {
		cfg.OverflowPolicy = OverflowEvictOldest
	}
	q := &MessageQueue{
		connectionID: connectionID,
		checker:      checker,
		cfg:          cfg,
		now:          time.Now,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// EnqueueIfNotReady buffers payload unless the connection is ready and its
// backlog has been flushed, in which case it returns ActionBypass and the
// caller sends directly.
func (q *MessageQueue) EnqueueIfNotReady(payload []byte, priority models.Priority) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Result{Action: ActionRejected}, ErrQueueClosed
	}

	ready := q.checker.CanProcessMessages()
	if ready && q.flushed {
		return Result{Action: ActionBypass, Size: len(q.items)}, nil
	}
	if !ready {
		// Readiness was lost (rollback) or never reached: a fresh flush is
		// required before direct sends resume.
		q.flushed = false
	}

	msg := QueuedMessage{Payload: payload, Priority: priority, EnqueuedAt: q.now()}

	if len(q.items) < q.cfg.MaxSize {
		q.items = append(q.items, msg)
		return Result{Action: ActionQueued, Size: len(q.items)}, nil
	}

	q.overflow = true
	overflowErr := &BufferOverflowError{
		ConnectionID: q.connectionID,
		MaxSize:      q.cfg.MaxSize,
		Policy:       q.cfg.OverflowPolicy,
	}

	if q.cfg.OverflowPolicy == OverflowReject {
		slog.Warn("Message queue full, rejecting message",
			"connection_id", q.connectionID, "max_size", q.cfg.MaxSize, "priority", priority)
		return Result{Action: ActionRejected, Size: len(q.items)}, overflowErr
	}

	evicted := q.evictOldestLocked(1)
	q.items = append(q.items, msg)
	slog.Warn("Message queue full, evicted oldest message",
		"connection_id", q.connectionID, "max_size", q.cfg.MaxSize)

	res := Result{Action: ActionQueued, Size: len(q.items), Evicted: evicted}
	if q.cfg.Strict {
		return res, overflowErr
	}
	return res, nil
}

// FlushWhenReady drains the backlog in insertion order and hands it to
// deliver. Only one flush runs at a time and a completed flush is not
// repeated until readiness is lost and regained. Messages enqueued while
// deliver runs are drained in a further round of the same flush.
//
// If deliver fails, the messages it did not send are put back at the front
// of the queue and the flush can be retried. A nil deliver drains the queue
// and returns the messages in FlushResult.Messages.
func (q *MessageQueue) FlushWhenReady(ctx context.Context, deliver DeliverFunc) (FlushResult, error) {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return FlushResult{}, ErrQueueClosed
	case q.flushing:
		q.mu.Unlock()
		return FlushResult{AlreadyFlushing: true}, nil
	case !q.checker.CanProcessMessages():
		q.mu.Unlock()
		return FlushResult{NotReady: true}, nil
	case q.flushed:
		q.mu.Unlock()
		return FlushResult{AlreadyFlushed: true}, nil
	}
	q.flushing = true
	q.mu.Unlock()

	var res FlushResult
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.flushing = false
			q.flushed = q.checker.CanProcessMessages()
			q.idle.Broadcast()
			q.mu.Unlock()
			return res, nil
		}
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		res.Rounds++
		if deliver == nil {
			res.Messages = append(res.Messages, batch...)
			res.Delivered += len(batch)
			continue
		}

		var (
			n   int
			err error
		)
		if err = ctx.Err(); err == nil {
			n, err = deliver(ctx, batch)
		}
		n = min(max(n, 0), len(batch))
		res.Messages = append(res.Messages, batch[:n]...)
		res.Delivered += n

		if err != nil {
			q.mu.Lock()
			q.requeueFrontLocked(batch[n:])
			res.Remaining = len(q.items)
			q.flushing = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return res, fmt.Errorf("flush for connection %s interrupted after %d messages: %w",
				q.connectionID, res.Delivered, err)
		}
	}
}

// Drain closes the queue and returns everything still buffered, waiting for
// an in-flight flush to finish first. Further enqueues are rejected.
// Calling Drain again returns nil.
func (q *MessageQueue) Drain() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.flushing {
		q.idle.Wait()
	}
	q.closed = true
	items := q.items
	q.items = nil
	return items
}

// Size returns the number of buffered messages.
func (q *MessageQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasOverflowOccurred reports whether MaxSize was ever exceeded.
func (q *MessageQueue) HasOverflowOccurred() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// Policy returns the configured overflow policy.
func (q *MessageQueue) Policy() OverflowPolicy {
	return q.cfg.OverflowPolicy
}

// Stats returns a snapshot for diagnostics.
func (q *MessageQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:             len(q.items),
		MaxSize:          q.cfg.MaxSize,
		OverflowOccurred: q.overflow,
		Flushed:          q.flushed,
		Closed:           q.closed,
	}
}

// requeueFrontLocked puts undelivered messages back ahead of anything
// enqueued during the flush, then re-applies the size bound.
func (q *MessageQueue) requeueFrontLocked(remainder []QueuedMessage) {
	if len(remainder) == 0 {
		return
	}
	merged := make([]QueuedMessage, 0, len(remainder)+len(q.items))
	merged = append(merged, remainder...)
	merged = append(merged, q.items...)
	q.items = merged
	if excess := len(q.items) - q.cfg.MaxSize; excess > 0 {
		q.overflow = true
		q.evictOldestLocked(excess)
		slog.Warn("Message queue over capacity after interrupted flush",
			"connection_id", q.connectionID, "evicted", excess)
	}
}

func (q *MessageQueue) evictOldestLocked(n int) int {
	n = min(n, len(q.items))
	for i := 0; i < n; i++ {
		q.items[i] = QueuedMessage{}
	}
	q.items = q.items[n:]
	return n
}
