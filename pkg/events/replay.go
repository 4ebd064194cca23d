package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/queue"
)

type retainedMessage struct {
	sessionID  string
	payload    []byte
	priority   models.Priority
	retainedAt time.Time
}

type userBacklog struct {
	items    []retainedMessage
	overflow bool
}

// ReplayStore keeps messages that could not be delivered live, per user,
// so a reconnecting client receives them before anything new. Entries
// expire after the replay window; each user's backlog is bounded and the
// oldest entries are dropped first.
type ReplayStore struct {
	mu    sync.Mutex
	users map[string]*userBacklog

	window     time.Duration
	maxPerUser int
	metrics    *metrics.Recorder
	now        func() time.Time
}

// NewReplayStore creates a store. rec may be nil.
func NewReplayStore(window time.Duration, maxPerUser int, rec *metrics.Recorder) *ReplayStore {
	return &ReplayStore{
		users:      make(map[string]*userBacklog),
		window:     window,
		maxPerUser: maxPerUser,
		metrics:    rec,
		now:        time.Now,
	}
}

// Retain implements router.Retainer.
func (s *ReplayStore) Retain(userID, sessionID string, payload []byte, priority models.Priority) {
	if userID == "" || s.window <= 0 || s.maxPerUser <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(userID, retainedMessage{
		sessionID:  sessionID,
		payload:    payload,
		priority:   priority,
		retainedAt: s.now(),
	})
}

// RetainQueued keeps messages left in a connection's queue when it closed
// before they were flushed. Control messages are skipped.
func (s *ReplayStore) RetainQueued(userID, sessionID string, pending []queue.QueuedMessage) int {
	if userID == "" || s.window <= 0 || s.maxPerUser <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := 0
	for _, m := range pending {
		if !isReplayable(m.Payload) {
			continue
		}
		s.appendLocked(userID, retainedMessage{
			sessionID:  sessionID,
			payload:    m.Payload,
			priority:   m.Priority,
			retainedAt: m.EnqueuedAt,
		})
		kept++
	}
	return kept
}

func (s *ReplayStore) appendLocked(userID string, m retainedMessage) {
	b, ok := s.users[userID]
	if !ok {
		b = &userBacklog{}
		s.users[userID] = b
	}
	b.items = append(b.items, m)
	if excess := len(b.items) - s.maxPerUser; excess > 0 {
		b.items = append([]retainedMessage(nil), b.items[excess:]...)
		b.overflow = true
		slog.Warn("Replay backlog full, dropped oldest messages", "user_id", userID, "dropped", excess)
	}
	s.metrics.ReplayRetained()
}

// Take removes and returns the unexpired messages for a new connection of
// userID, oldest first. A connection bound to a session receives messages
// of that session plus session-less ones; a connection without a session
// receives everything. overflow reports that older messages were dropped
// since the last Take.
func (s *ReplayStore) Take(userID, sessionID string) (payloads [][]byte, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.users[userID]
	if !ok {
		return nil, false
	}

	cutoff := s.now().Add(-s.window)
	var rest []retainedMessage
	for _, m := range b.items {
		if m.retainedAt.Before(cutoff) {
			continue
		}
		if sessionID == "" || m.sessionID == "" || m.sessionID == sessionID {
			payloads = append(payloads, m.payload)
			continue
		}
		rest = append(rest, m)
	}
	overflow = b.overflow
	b.overflow = false
	b.items = rest
	if len(rest) == 0 {
		delete(s.users, userID)
	}
	s.metrics.ReplayDelivered(len(payloads))
	return payloads, overflow
}

// Prune drops expired messages and returns how many were removed.
func (s *ReplayStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.window)
	removed := 0
	for userID, b := range s.users {
		kept := b.items[:0]
		for _, m := range b.items {
			if m.retainedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		b.items = kept
		if len(b.items) == 0 {
			delete(s.users, userID)
		}
	}
	return removed
}

// Len returns the number of messages retained for userID.
func (s *ReplayStore) Len(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.users[userID]; ok {
		return len(b.items)
	}
	return 0
}
