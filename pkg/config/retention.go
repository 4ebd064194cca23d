package config

import "time"

// RetentionConfig controls in-memory retention and cleanup behavior.
type RetentionConfig struct {
	// ReplayWindow is how long undeliverable messages are kept for a
	// reconnecting client. Zero disables replay.
	ReplayWindow time.Duration `yaml:"replay_window"`

	// ReplayMaxPerUser bounds the replay backlog of one user; the oldest
	// messages are dropped first.
	ReplayMaxPerUser int `yaml:"replay_max_per_user"`

	// CompletedRunTTL is how long sequencer state of a finished run is kept
	// so late duplicates are still rejected.
	CompletedRunTTL time.Duration `yaml:"completed_run_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ReplayWindow:     2 * time.Minute,
		ReplayMaxPerUser: 500,
		CompletedRunTTL:  10 * time.Minute,
		CleanupInterval:  30 * time.Second,
	}
}
