// Package shared contains common domain types, errors, and events used across
// all domain packages of the membership engine. This package has zero external
// dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")

	// Configuration errors. Invalid configuration is fatal at startup; the
	// engine never runs with an undefined threshold.
	ErrConfigInvalid = errors.New("invalid configuration")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")

	// External collaborator errors
	ErrStoreUnavailable = errors.New("observation store unavailable")
	ErrDispatchFailed   = errors.New("dispatch failed")
	ErrTimeout          = errors.New("operation timeout")
	ErrRateLimited      = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "membership", "notification", "scheduler"
	Op      string // Operation that failed, e.g., "Evaluate", "Record"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Membership domain errors
var (
	ErrStudentNotFound      = NewDomainError("membership", "Find", ErrNotFound, "student not found")
	ErrSubscriptionNotFound = NewDomainError("membership", "Find", ErrNotFound, "subscription not found")
	ErrTrainingNotFound     = NewDomainError("membership", "Find", ErrNotFound, "training not found")
	ErrInvalidStudentID     = NewDomainError("membership", "Validate", ErrInvalidID, "invalid student ID")
	ErrInvalidWindow        = NewDomainError("membership", "Validate", ErrInvalidInput, "window must be positive")
)

// Notification domain errors
var (
	ErrInvalidIntent     = NewDomainError("notification", "Validate", ErrInvalidEntity, "invalid notification intent")
	ErrEmptyPeriodKey    = NewDomainError("notification", "Validate", ErrEmptyValue, "period key cannot be empty")
	ErrLedgerUnavailable = NewDomainError("notification", "Record", ErrStoreUnavailable, "dedup ledger unavailable")
	ErrChannelFailed     = NewDomainError("notification", "Send", ErrDispatchFailed, "outbound channel send failed")
)

// IsStoreUnavailable checks whether the error means the external store could
// not be reached; the scheduler treats this as a transient, whole-tick failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsDispatchFailed checks whether the error is a per-intent dispatch failure.
func IsDispatchFailed(err error) bool {
	return errors.Is(err, ErrDispatchFailed)
}

// IsRetryable checks if the operation can be retried on a later tick.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrDispatchFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}
