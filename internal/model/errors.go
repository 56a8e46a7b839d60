package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks rule-set authoring defects. They fail a whole batch.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidTransition is returned for an edge not in the lifecycle table.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSeparationOfDuties is returned when a submitter tries to decide their own submission.
	ErrSeparationOfDuties = errors.New("separation of duties violation")

	// ErrPersistence marks adapter I/O failures.
	ErrPersistence = errors.New("persistence failure")

	// ErrConcurrentModification is returned when an optimistic state check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a batch or rule set does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSuperseded is returned when transitioning a batch a newer run replaced.
	ErrSuperseded = errors.New("batch superseded")

	// ErrActorRequired is returned for a transition with no acting user.
	ErrActorRequired = errors.New("actor is required")
)

// ConfigurationError names the offending rule or component.
type ConfigurationError struct {
	Rule   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Rule, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// InvalidTransitionError names the current and requested states.
type InvalidTransitionError struct {
	BatchID string
	From    LifecycleState
	To      LifecycleState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for batch %s: %s -> %s", e.BatchID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// SeparationOfDutiesError is returned when the approver is the submitter.
type SeparationOfDutiesError struct {
	BatchID string
	Actor   string
	To      LifecycleState
}

func (e *SeparationOfDutiesError) Error() string {
	return fmt.Sprintf("separation of duties: %s submitted batch %s and cannot move it to %s", e.Actor, e.BatchID, e.To)
}

func (e *SeparationOfDutiesError) Unwrap() error { return ErrSeparationOfDuties }

// PersistenceError wraps an adapter failure with the operation that failed.
type PersistenceError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("persistence failure: %s (entity %s): %v", e.Op, e.EntityID, e.Err)
	}
	return fmt.Sprintf("persistence failure: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// IsConfiguration reports whether err is a rule-set authoring defect.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsClientError reports whether err is a rejected lifecycle request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSeparationOfDuties) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrSuperseded) ||
		errors.Is(err, ErrActorRequired)
}
