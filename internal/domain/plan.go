package domain

import (
	"fmt"
	"time"
)

// PlanStatus describes where an OptimizationPlan is in the saga.
type PlanStatus int

const (
	PlanStatusUnknown                   PlanStatus = 0
	PlanStatusDraft                     PlanStatus = 10 // Request accepted, nothing resolved yet
	PlanStatusMatchingWorkflow          PlanStatus = 20 // Resolving the process template
	PlanStatusMatchingProviders         PlanStatus = 30 // Matching providers per step
	PlanStatusEstimatingCosts           PlanStatus = 40 // Waiting for provider estimates
	PlanStatusGeneratingStrategies      PlanStatus = 50 // Scoring provider combinations
	PlanStatusAwaitingStrategySelection PlanStatus = 60 // Waiting for the customer
	PlanStatusStrategySelected          PlanStatus = 70 // Committing provider slots
	PlanStatusConfirmed                 PlanStatus = 80 // Terminal
	PlanStatusFailed                    PlanStatus = 90 // Terminal
)

func (s PlanStatus) String() string {
	switch s {
	case PlanStatusDraft:
		return "DRAFT"
	case PlanStatusMatchingWorkflow:
		return "MATCHING_WORKFLOW"
	case PlanStatusMatchingProviders:
		return "MATCHING_PROVIDERS"
	case PlanStatusEstimatingCosts:
		return "ESTIMATING_COSTS"
	case PlanStatusGeneratingStrategies:
		return "GENERATING_STRATEGIES"
	case PlanStatusAwaitingStrategySelection:
		return "AWAITING_STRATEGY_SELECTION"
	case PlanStatusStrategySelected:
		return "STRATEGY_SELECTED"
	case PlanStatusConfirmed:
		return "CONFIRMED"
	case PlanStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParsePlanStatus is the inverse of String.
func ParsePlanStatus(s string) (PlanStatus, error) {
	for _, st := range AllPlanStatuses() {
		if st.String() == s {
			return st, nil
		}
	}
	return PlanStatusUnknown, fmt.Errorf("%w: unknown plan status %q", ErrInvalidArgument, s)
}

// MarshalText encodes the status by name.
func (s PlanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *PlanStatus) UnmarshalText(b []byte) error {
	if string(b) == "UNKNOWN" {
		*s = PlanStatusUnknown
		return nil
	}
	st, err := ParsePlanStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// AllPlanStatuses lists every known status in saga order.
func AllPlanStatuses() []PlanStatus {
	return []PlanStatus{
		PlanStatusDraft,
		PlanStatusMatchingWorkflow,
		PlanStatusMatchingProviders,
		PlanStatusEstimatingCosts,
		PlanStatusGeneratingStrategies,
		PlanStatusAwaitingStrategySelection,
		PlanStatusStrategySelected,
		PlanStatusConfirmed,
		PlanStatusFailed,
	}
}

// IsTerminal returns true for Confirmed and Failed.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusConfirmed || s == PlanStatusFailed
}

// ValidPlanStatusTransition checks if a status transition is valid.
// Each status advances to exactly one successor; Failed is reachable from any
// non-terminal status.
func ValidPlanStatusTransition(from, to PlanStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PlanStatusFailed {
		return from != PlanStatusUnknown
	}
	switch from {
	case PlanStatusDraft:
		return to == PlanStatusMatchingWorkflow
	case PlanStatusMatchingWorkflow:
		return to == PlanStatusMatchingProviders
	case PlanStatusMatchingProviders:
		return to == PlanStatusEstimatingCosts
	case PlanStatusEstimatingCosts:
		return to == PlanStatusGeneratingStrategies
	case PlanStatusGeneratingStrategies:
		return to == PlanStatusAwaitingStrategySelection
	case PlanStatusAwaitingStrategySelection:
		return to == PlanStatusStrategySelected
	case PlanStatusStrategySelected:
		return to == PlanStatusConfirmed
	default:
		return to == PlanStatusDraft // Allow setting initial state
	}
}

// StatusChange records one applied transition.
type StatusChange struct {
	From   PlanStatus `json:"from"`
	To     PlanStatus `json:"to"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason,omitempty"`
}

// OptimizationPlan is the saga aggregate for one optimization request.
// Its status can only be changed through Transition and Fail.
type OptimizationPlan struct {
	ID                 string
	RequestID          string
	Request            OptimizationRequest
	WorkflowType       WorkflowType
	Steps              []ProcessStep
	Strategies         []Strategy
	SelectedStrategyID string
	Slots              []AllocatedSlot
	FailureReason      string
	AppliedCommands    map[string]time.Time
	History            []StatusChange
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64

	status PlanStatus
}

// NewOptimizationPlan creates a Draft plan for a request.
func NewOptimizationPlan(id, requestID string, req OptimizationRequest) *OptimizationPlan {
	now := time.Now().UTC()
	return &OptimizationPlan{
		ID:              id,
		RequestID:       requestID,
		Request:         req,
		AppliedCommands: make(map[string]time.Time),
		History: []StatusChange{{
			From: PlanStatusUnknown,
			To:   PlanStatusDraft,
			At:   now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		status:    PlanStatusDraft,
	}
}

// PlanSnapshot is the serializable view of a plan, used on the wire and by
// read APIs.
type PlanSnapshot struct {
	ID                 string              `json:"id"`
	RequestID          string              `json:"requestId"`
	Status             PlanStatus          `json:"status"`
	Request            OptimizationRequest `json:"request"`
	WorkflowType       WorkflowType        `json:"workflowType,omitempty"`
	Steps              []ProcessStep       `json:"steps"`
	Strategies         []Strategy          `json:"strategies,omitempty"`
	SelectedStrategyID string              `json:"selectedStrategyId,omitempty"`
	Slots              []AllocatedSlot     `json:"slots,omitempty"`
	FailureReason      string              `json:"failureReason,omitempty"`
	History            []StatusChange      `json:"history"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	Version            int64               `json:"version"`
}

// Snapshot copies the plan into its serializable view.
func (p *OptimizationPlan) Snapshot() PlanSnapshot {
	return PlanSnapshot{
		ID:                 p.ID,
		RequestID:          p.RequestID,
		Status:             p.status,
		Request:            p.Request,
		WorkflowType:       p.WorkflowType,
		Steps:              append([]ProcessStep(nil), p.Steps...),
		Strategies:         append([]Strategy(nil), p.Strategies...),
		SelectedStrategyID: p.SelectedStrategyID,
		Slots:              append([]AllocatedSlot(nil), p.Slots...),
		FailureReason:      p.FailureReason,
		History:            append([]StatusChange(nil), p.History...),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		Version:            p.Version,
	}
}

// Status returns the current status.
func (p *OptimizationPlan) Status() PlanStatus {
	return p.status
}

// Restore rehydrates a persisted status. Storage layers call it right after
// loading a row; it must not be used to drive a live saga.
func (p *OptimizationPlan) Restore(status PlanStatus) {
	p.status = status
}

// Transition moves the plan to a new status.
func (p *OptimizationPlan) Transition(to PlanStatus, reason string) error {
	if !ValidPlanStatusTransition(p.status, to) {
		return fmt.Errorf("%w: cannot transition plan from %s to %s",
			ErrInvalidState, p.status, to)
	}
	now := time.Now().UTC()
	p.History = append(p.History, StatusChange{From: p.status, To: to, At: now, Reason: reason})
	p.status = to
	p.UpdatedAt = now
	// Note: Version is managed by the storage layer, not here
	return nil
}

// Fail moves the plan to Failed with a customer-facing reason.
func (p *OptimizationPlan) Fail(reason string) error {
	if err := p.Transition(PlanStatusFailed, reason); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}

// LastActiveStatus returns the status the plan had before reaching a
// terminal one, or the current status if it is still active.
func (p *OptimizationPlan) LastActiveStatus() PlanStatus {
	if !p.status.IsTerminal() || len(p.History) == 0 {
		return p.status
	}
	return p.History[len(p.History)-1].From
}

// HasApplied reports whether a command id was already applied.
func (p *OptimizationPlan) HasApplied(commandID string) bool {
	if commandID == "" {
		return false
	}
	_, ok := p.AppliedCommands[commandID]
	return ok
}

// MarkApplied records a command id as applied.
func (p *OptimizationPlan) MarkApplied(commandID string) {
	if commandID == "" {
		return
	}
	if p.AppliedCommands == nil {
		p.AppliedCommands = make(map[string]time.Time)
	}
	p.AppliedCommands[commandID] = time.Now().UTC()
}

// Step returns the step with the given number.
func (p *OptimizationPlan) Step(number int) (*ProcessStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].Number == number {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Strategy returns the strategy with the given id.
func (p *OptimizationPlan) Strategy(id string) (*Strategy, bool) {
	for i := range p.Strategies {
		if p.Strategies[i].ID == id {
			return &p.Strategies[i], true
		}
	}
	return nil, false
}

// SelectedStrategy returns the chosen strategy, if any.
func (p *OptimizationPlan) SelectedStrategy() (*Strategy, bool) {
	if p.SelectedStrategyID == "" {
		return nil, false
	}
	return p.Strategy(p.SelectedStrategyID)
}

// AllStepsReported reports whether every step finished estimate collection.
func (p *OptimizationPlan) AllStepsReported() bool {
	for _, s := range p.Steps {
		if !s.Collection.Reported {
			return false
		}
	}
	return len(p.Steps) > 0
}

// ValidateStrategy checks that every choice references a provider matched
// for the corresponding step.
func (p *OptimizationPlan) ValidateStrategy(s *Strategy) error {
	if len(s.Choices) != len(p.Steps) {
		return fmt.Errorf("%w: strategy %s covers %d of %d steps",
			ErrInvalidArgument, s.ID, len(s.Choices), len(p.Steps))
	}
	for _, c := range s.Choices {
		step, ok := p.Step(c.StepNumber)
		if !ok {
			return fmt.Errorf("%w: strategy %s references unknown step %d",
				ErrInvalidArgument, s.ID, c.StepNumber)
		}
		if !step.HasCandidate(c.ProviderID) {
			return fmt.Errorf("%w: strategy %s uses provider %s not matched for step %d",
				ErrInvalidArgument, s.ID, c.ProviderID, c.StepNumber)
		}
	}
	return nil
}
