// Package errors provides error handling for Cadence.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Sentinel-based error classification
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Classify for retry/breaker decisions
//	return errors.MarkTransient(err)
//
//	// Check errors
//	if errors.IsClient(err) {
//	    // caller mistake - do not retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
	Mark           = crdb.Mark
)

// Common sentinel errors for use across Cadence.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrQueueFull indicates the job queue is at its hard capacity limit
	ErrQueueFull = New("queue full")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrClient indicates a caller/input mistake (e.g. invalid payload,
	// HTTP 4xx other than 429). Not retried, excluded from breaker stats.
	ErrClient = New("client error")

	// ErrTransient indicates a transient dependency failure (network blip,
	// HTTP 5xx, timeout). Retried by the retry policy, counted by breakers.
	ErrTransient = New("transient error")

	// ErrRateLimited indicates the dependency shed load (HTTP 429).
	// Expected under load; by default not counted as breaker failure.
	ErrRateLimited = New("rate limited")

	// ErrValidation indicates a programming-contract violation (e.g.
	// advancing an enrollment past its last step). Logged and dropped.
	ErrValidation = New("validation error")
)

// MarkClient marks an error as a client (caller) mistake.
func MarkClient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrClient)
}

// MarkTransient marks an error as transient (retryable).
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransient)
}

// MarkRateLimited marks an error as a rate-limit rejection.
func MarkRateLimited(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrRateLimited)
}

// MarkValidation marks an error as a contract violation.
func MarkValidation(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrValidation)
}

// IsClient checks if an error is or wraps ErrClient.
func IsClient(err error) bool {
	return err != nil && Is(err, ErrClient)
}

// IsTransient checks if an error is or wraps ErrTransient.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransient)
}

// IsRateLimited checks if an error is or wraps ErrRateLimited.
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsValidation checks if an error is or wraps ErrValidation.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
