// Package config loads agentbridge.yaml, merges it over the built-in
// defaults and validates the result.
package config

import (
	"time"

	"github.com/codeready-toolchain/agentbridge/pkg/queue"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
)

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Streaming *StreamingConfig
	Retention *RetentionConfig
	Auth      *AuthConfig
	System    *SystemConfig
}

// Initialize is defined in loader.go

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// QueueConfig returns the per-connection message queue settings.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxSize:        c.Streaming.MaxQueueSize,
		OverflowPolicy: c.Streaming.OverflowPolicy,
		Strict:         c.Streaming.StrictOverflow,
	}
}

// RouterConfig returns the router delivery settings.
func (c *Config) RouterConfig() router.Config {
	return router.Config{
		MaxConcurrentSends: c.Streaming.MaxConcurrentSends,
		SendTimeout:        c.Streaming.WriteTimeout,
	}
}

// StreamingConfig controls connection readiness and message delivery.
type StreamingConfig struct {
	// MaxQueueSize bounds the per-connection buffer used before readiness.
	MaxQueueSize int `yaml:"max_queue_size"`

	// OverflowPolicy is evict_oldest or reject.
	OverflowPolicy queue.OverflowPolicy `yaml:"overflow_policy"`

	// StrictOverflow reports evictions to producers as errors.
	StrictOverflow bool `yaml:"strict_overflow"`

	// FlushTimeout bounds delivery of the setup backlog.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// ServicesReadyTimeout bounds per-connection service initialization.
	ServicesReadyTimeout time.Duration `yaml:"services_ready_timeout"`

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ConnectionCleanupTimeout is how long a connection may stay idle
	// before the cleanup loop closes it.
	ConnectionCleanupTimeout time.Duration `yaml:"connection_cleanup_timeout"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MaxConcurrentSends int           `yaml:"max_concurrent_sends"`
}

// DefaultStreamingConfig returns the built-in streaming defaults.
func DefaultStreamingConfig() *StreamingConfig {
	return &StreamingConfig{
		MaxQueueSize:             1000,
		OverflowPolicy:           queue.OverflowEvictOldest,
		FlushTimeout:             5 * time.Second,
		ServicesReadyTimeout:     10 * time.Second,
		WriteTimeout:             10 * time.Second,
		ConnectionCleanupTimeout: 5 * time.Minute,
		HeartbeatInterval:        30 * time.Second,
		MaxConcurrentSends:       256,
	}
}
