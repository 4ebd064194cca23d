// Package queue buffers outbound messages for a connection that is not yet
// ready to receive them, and flushes the backlog exactly once, in order,
// when it becomes ready.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueClosed indicates the queue was drained for teardown.
	ErrQueueClosed = errors.New("message queue closed")
)

// BufferOverflowError is returned when an enqueue hits MaxSize.
// Under the evict_oldest policy it is only returned when Strict is set.
type BufferOverflowError struct {
	ConnectionID string
	MaxSize      int
	Policy       OverflowPolicy
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("message queue for connection %s exceeded %d entries (policy %s)",
		e.ConnectionID, e.MaxSize, e.Policy)
}

// ReadinessChecker reports whether the owning connection may receive
// application messages. Implemented by connection.StateMachine.
type ReadinessChecker interface {
	CanProcessMessages() bool
}

// OverflowPolicy decides what happens when the queue is full.
type OverflowPolicy string

const (
	// OverflowEvictOldest drops the oldest buffered message to make room.
	OverflowEvictOldest OverflowPolicy = "evict_oldest"
	// OverflowReject refuses the new message.
	OverflowReject OverflowPolicy = "reject"
)

// IsValid checks if the policy is known.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowEvictOldest || p == OverflowReject
}

// Config controls queue capacity and overflow behavior.
type Config struct {
	MaxSize        int
	OverflowPolicy OverflowPolicy
	// Strict makes evictions visible to the producer as a BufferOverflowError.
	Strict bool
}

// DefaultConfig returns the built-in queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:        1000,
		OverflowPolicy: OverflowEvictOldest,
	}
}

// QueuedMessage is one buffered outbound message.
type QueuedMessage struct {
	Payload    []byte
	Priority   models.Priority
	EnqueuedAt time.Time
}

// Action tells the producer what EnqueueIfNotReady did with its message.
type Action int

const (
	// ActionQueued means the message was buffered for a later flush.
	ActionQueued Action = iota
	// ActionBypass means the connection is ready; send directly.
	ActionBypass
	// ActionRejected means the message was not accepted.
	ActionRejected
)

func (a Action) String() string {
	switch a {
	case ActionQueued:
		return "queued"
	case ActionBypass:
		return "bypass"
	case ActionRejected:
		return "rejected"
	}
	return "unknown"
}

// Result is the outcome of EnqueueIfNotReady.
type Result struct {
	Action  Action
	Size    int // queue size after the call
	Evicted int // messages dropped to make room
}

// FlushResult is the outcome of FlushWhenReady.
type FlushResult struct {
	// Messages holds every message handed to deliver (or drained, when
	// deliver is nil), in insertion order.
	Messages []QueuedMessage
	// Delivered counts messages deliver accepted.
	Delivered int
	// Remaining is the queue size after an interrupted flush.
	Remaining int
	// Rounds counts drain passes; more than one means producers enqueued
	// while the flush was delivering.
	Rounds int

	AlreadyFlushing bool
	AlreadyFlushed  bool
	NotReady        bool
}

// Flushed reports whether this call performed the flush.
func (r FlushResult) Flushed() bool {
	return !r.AlreadyFlushing && !r.AlreadyFlushed && !r.NotReady
}

// DeliverFunc sends a batch in order and returns how many messages were
// sent. On error, messages after that count are put back at the front of
// the queue.
type DeliverFunc func(ctx context.Context, batch []QueuedMessage) (int, error)

// Stats is a point-in-time view of a queue for diagnostics.
type Stats struct {
	Size             int  `json:"size"`
	MaxSize          int  `json:"max_size"`
	OverflowOccurred bool `json:"overflow_occurred"`
	Flushed          bool `json:"flushed"`
	Closed           bool `json:"closed"`
}
