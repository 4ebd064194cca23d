package config

import (
	"fmt"
	"path"
	"time"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateStreaming(); err != nil {
		return fmt.Errorf("streaming validation failed: %w", err)
	}
	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := v.validateSystem(); err != nil {
		return fmt.Errorf("system validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateStreaming() error {
	s := v.cfg.Streaming
	if s.MaxQueueSize < 1 {
		return NewValidationError("streaming", "max_queue_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if !s.OverflowPolicy.IsValid() {
		return NewValidationError("streaming", "overflow_policy", fmt.Errorf("%w: %q (want evict_oldest or reject)", ErrInvalidValue, s.OverflowPolicy))
	}
	if s.MaxConcurrentSends < 1 {
		return NewValidationError("streaming", "max_concurrent_sends", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"flush_timeout", s.FlushTimeout},
		{"services_ready_timeout", s.ServicesReadyTimeout},
		{"write_timeout", s.WriteTimeout},
		{"connection_cleanup_timeout", s.ConnectionCleanupTimeout},
		{"heartbeat_interval", s.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return NewValidationError("streaming", d.field, fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
	if s.HeartbeatInterval >= s.ConnectionCleanupTimeout {
		return NewValidationError("streaming", "heartbeat_interval",
			fmt.Errorf("%w: must be shorter than connection_cleanup_timeout (%s)", ErrInvalidValue, s.ConnectionCleanupTimeout))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r.ReplayWindow < 0 {
		return NewValidationError("retention", "replay_window", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if r.ReplayMaxPerUser < 1 {
		return NewValidationError("retention", "replay_max_per_user", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.CompletedRunTTL <= 0 {
		return NewValidationError("retention", "completed_run_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAuth() error {
	a := v.cfg.Auth
	if a.JWTSecretEnv == "" {
		return NewValidationError("auth", "jwt_secret_env", ErrMissingRequiredField)
	}
	if len(a.Secret) == 0 {
		return NewValidationError("auth", "jwt_secret_env",
			fmt.Errorf("%w: environment variable %s is not set", ErrMissingRequiredField, a.JWTSecretEnv))
	}
	if len(a.Secret) < 32 {
		return NewValidationError("auth", "jwt_secret_env",
			fmt.Errorf("%w: secret in %s must be at least 32 bytes", ErrInvalidValue, a.JWTSecretEnv))
	}
	return nil
}

func (v *ConfigValidator) validateSystem() error {
	for _, pattern := range v.cfg.System.AllowedWSOrigins {
		if pattern == "" {
			return NewValidationError("system", "allowed_ws_origins", fmt.Errorf("%w: empty origin pattern", ErrInvalidValue))
		}
		// Same matcher as websocket.AcceptOptions.OriginPatterns.
		if _, err := path.Match(pattern, ""); err != nil {
			return NewValidationError("system", "allowed_ws_origins", fmt.Errorf("%w: %q: %v", ErrInvalidValue, pattern, err))
		}
	}
	return nil
}
