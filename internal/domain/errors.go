package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a state transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrConcurrentModify is returned when optimistic locking fails.
	ErrConcurrentModify = errors.New("concurrent modification")

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned when trying to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation is returned for a malformed request. It is raised before a
	// plan exists, so nothing is persisted.
	ErrValidation = errors.New("validation error")

	// ErrTemplateResolution is returned when request attributes do not map to
	// any workflow template.
	ErrTemplateResolution = errors.New("template resolution error")

	// ErrMatchingFailure is returned when a step has no eligible provider.
	ErrMatchingFailure = errors.New("matching failure")

	// ErrEstimationTimeout is returned when a collection window closed with
	// partial or zero responses.
	ErrEstimationTimeout = errors.New("estimation timeout")

	// ErrInfeasibleStrategy is returned when no full provider combination exists.
	ErrInfeasibleStrategy = errors.New("infeasible strategy")

	// ErrSelectionRejected is returned for an unknown or invalid strategy id.
	// The plan is left untouched.
	ErrSelectionRejected = errors.New("selection rejected")

	// ErrSchedulingConflict is returned when a proposed slot overlaps an
	// existing commitment.
	ErrSchedulingConflict = errors.New("scheduling conflict")

	// ErrOrchestrationFatal marks an error that forced the plan into Failed.
	ErrOrchestrationFatal = errors.New("orchestration fatal")
)

// StepError attaches a process step to a per-step failure.
type StepError struct {
	StepNumber int
	Capability Capability
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.StepNumber, e.Capability, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// SchedulingConflictError describes an overlap between a proposed window and
// a committed slot.
type SchedulingConflictError struct {
	ProviderID    string
	Start         time.Time
	End           time.Time
	ConflictingID string
}

func (e *SchedulingConflictError) Error() string {
	return fmt.Sprintf("provider %s window [%s, %s) overlaps slot %s",
		e.ProviderID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.ConflictingID)
}

func (e *SchedulingConflictError) Unwrap() error {
	return ErrSchedulingConflict
}

// FatalError is returned by saga operations that moved a plan to Failed.
type FatalError struct {
	RequestID  string
	LastStatus PlanStatus
	Reason     string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("plan for request %s failed in %s: %s", e.RequestID, e.LastStatus, e.Reason)
}

// Unwrap exposes both the fatal marker and the underlying cause.
func (e *FatalError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOrchestrationFatal}
	}
	return []error{ErrOrchestrationFatal, e.Err}
}
