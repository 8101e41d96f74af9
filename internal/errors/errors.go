// Package errors consolidates the error taxonomy of the measurement
// pipeline.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Source errors. A corrupt source skips that source only; processing
	// of the remaining sources continues.
	ErrCorruptSource   = errors.New("corrupt source")
	ErrDuplicateSource = errors.New("source already ingested")
	ErrUnknownSource   = errors.New("no factory accepted this source")

	// ErrNoSamples marks a (measurement, algorithm) pair with zero
	// samples. It is a "no data point" condition, never fatal.
	ErrNoSamples = errors.New("no samples")

	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrPartitionMissing = errors.New("partition not created for device")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("not found")

	// Configuration errors
	ErrUnsupportedBackend   = errors.New("operation requires a relational store")
	ErrUnsupportedStatistic = errors.New("unsupported statistic")
	ErrInvalidConfig        = errors.New("invalid configuration")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsSourceError returns true if err is contained per source: the source is
// logged and skipped, the run continues.
func IsSourceError(err error) bool {
	return errors.Is(err, ErrCorruptSource) ||
		errors.Is(err, ErrDuplicateSource) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrNoSamples)
}

// IsFatal returns true if err terminates the whole invocation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrUnsupportedBackend) ||
		errors.Is(err, ErrInvalidConfig)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewCorruptSource creates a corrupt-source error naming the source.
func NewCorruptSource(source, reason string) error {
	return fmt.Errorf("%s: %s: %w", source, reason, ErrCorruptSource)
}
