package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "agentbridge.yaml"

// AgentBridgeYAMLConfig represents the complete agentbridge.yaml file structure
type AgentBridgeYAMLConfig struct {
	Streaming *StreamingConfig `yaml:"streaming"`
	Retention *RetentionConfig `yaml:"retention"`
	Auth      *AuthConfig      `yaml:"auth"`
	System    *SystemConfig    `yaml:"system"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load agentbridge.yaml from configDir (built-in defaults if absent)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Resolve the JWT secret from the environment
//  6. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"max_queue_size", cfg.Streaming.MaxQueueSize,
		"overflow_policy", cfg.Streaming.OverflowPolicy,
		"replay_window", cfg.Retention.ReplayWindow,
		"allowed_ws_origins", len(cfg.System.AllowedWSOrigins))

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var user AgentBridgeYAMLConfig
	if err := loader.loadYAML(FileName, &user); err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError(FileName, err)
		}
		slog.Info("No configuration file found, using built-in defaults", "file", FileName)
	}

	streaming := DefaultStreamingConfig()
	if err := mergeSection(streaming, user.Streaming); err != nil {
		return nil, fmt.Errorf("failed to merge streaming config: %w", err)
	}
	retention := DefaultRetentionConfig()
	if err := mergeSection(retention, user.Retention); err != nil {
		return nil, fmt.Errorf("failed to merge retention config: %w", err)
	}
	auth := DefaultAuthConfig()
	if err := mergeSection(auth, user.Auth); err != nil {
		return nil, fmt.Errorf("failed to merge auth config: %w", err)
	}
	auth.Secret = []byte(os.Getenv(auth.JWTSecretEnv))

	system := &SystemConfig{}
	if user.System != nil {
		system = user.System
	}

	return &Config{
		configDir: configDir,
		Streaming: streaming,
		Retention: retention,
		Auth:      auth,
		System:    system,
	}, nil
}

// mergeSection merges user-provided values into defaults (non-zero values
// override).
func mergeSection[T any](defaults *T, user *T) error {
	if user == nil {
		return nil
	}
	return mergo.Merge(defaults, user, mergo.WithOverride)
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
