package splatgo

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig tags every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoCameras is returned when the trainer is given no training views.
	ErrNoCameras = errors.New("no training cameras")

	// ErrRendererRequired is returned when the trainer is given a nil
	// renderer.
	ErrRendererRequired = errors.New("renderer is required")
)

// ConfigurationError identifies the offending config field.
//
// Matches ErrInvalidConfig via errors.Is.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }
