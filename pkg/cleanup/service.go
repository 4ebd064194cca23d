// Package cleanup provides the periodic retention and idle-connection
// cleanup loop.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/config"
)

// IdleTracker removes router destinations that saw no activity within
// timeout and returns their connection IDs.
type IdleTracker interface {
	CleanupInactiveConnections(timeout time.Duration) []string
}

// Disconnector closes a live connection.
type Disconnector interface {
	Disconnect(connectionID, reason string) bool
}

// ReplayPruner drops expired replay entries.
type ReplayPruner interface {
	Prune() int
}

// RunPruner drops sequencer state of runs completed before olderThan.
type RunPruner interface {
	PruneCompleted(olderThan time.Duration) int
}

// Service periodically enforces retention policies:
//   - Closes connections idle for longer than connection_cleanup_timeout
//   - Drops replay entries past the replay window
//   - Forgets completed runs past completed_run_ttl
type Service struct {
	retention   *config.RetentionConfig
	idleTimeout time.Duration

	idle   IdleTracker
	conns  Disconnector
	replay ReplayPruner
	runs   RunPruner
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	retention *config.RetentionConfig,
	idleTimeout time.Duration,
	idle IdleTracker,
	conns Disconnector,
	replay ReplayPruner,
	runs RunPruner,
) *Service {
	return &Service{
		retention:   retention,
		idleTimeout: idleTimeout,
		idle:        idle,
		conns:       conns,
		replay:      replay,
		runs:        runs,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"idle_timeout", s.idleTimeout,
		"replay_window", s.retention.ReplayWindow,
		"completed_run_ttl", s.retention.CompletedRunTTL,
		"interval", s.retention.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.retention.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	s.closeIdleConnections()
	s.pruneReplay()
	s.pruneRuns()
}

func (s *Service) closeIdleConnections() {
	ids := s.idle.CleanupInactiveConnections(s.idleTimeout)
	closed := 0
	for _, id := range ids {
		if s.conns.Disconnect(id, "idle timeout") {
			closed++
		}
	}
	if len(ids) > 0 {
		slog.Info("Retention: removed inactive connections", "count", len(ids), "closed", closed)
	}
}

func (s *Service) pruneReplay() {
	if count := s.replay.Prune(); count > 0 {
		slog.Info("Retention: dropped expired replay messages", "count", count)
	}
}

func (s *Service) pruneRuns() {
	if count := s.runs.PruneCompleted(s.retention.CompletedRunTTL); count > 0 {
		slog.Debug("Retention: forgot completed runs", "count", count)
	}
}
