package config

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is through ValidationError and LoadError.
var (
	ErrConfigNotFound       = errors.New("configuration file not found")
	ErrInvalidYAML          = errors.New("invalid YAML syntax")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidValue         = errors.New("invalid field value")
)

// ValidationError reports a rejected value in agentbridge.yaml, addressed
// by its YAML key path (e.g. "streaming.flush_timeout").
type ValidationError struct {
	Section string // streaming, retention, auth or system
	Field   string // YAML key within Section; empty for section-wide problems
	Err     error
}

// NewValidationError creates a ValidationError.
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// Path returns the dotted YAML key the error refers to.
func (e *ValidationError) Path() string {
	if e.Field == "" {
		return e.Section
	}
	return e.Section + "." + e.Field
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path(), e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LoadError reports a configuration file that exists but could not be
// read or parsed.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
