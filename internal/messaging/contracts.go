package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// Kind identifies the schema of an envelope payload.
type Kind string

const (
	KindRequestOptimizationPlan Kind = "RequestOptimizationPlanCommand"
	KindProposeProcess          Kind = "ProposeProcessCommand"
	KindProcessEstimate         Kind = "ProcessEstimateResponse"
	KindSelectStrategy          Kind = "SelectStrategyCommand"
	KindStrategiesReady         Kind = "StrategiesReadyEvent"
	KindPlanCreated             Kind = "OptimizationPlanCreatedEvent"
	KindPlanFailed              Kind = "PlanFailedEvent"
	KindValidateProvider        Kind = "ValidateProviderRequest"
	KindProviderValidated       Kind = "ValidateProviderResponse"
)

// SchemaVersion is the only payload version currently produced.
const SchemaVersion = 1

// deprecatedKinds maps kind names from the old "pan management" namespace to
// their canonical kind. They are accepted on decode and never produced.
var deprecatedKinds = map[Kind]Kind{
	"RequestOptimizationPanCommand":  KindRequestOptimizationPlan,
	"OptimizationPanCreatedEvent":    KindPlanCreated,
	"SelectPanStrategyCommand":       KindSelectStrategy,
	"PanFailedEvent":                 KindPlanFailed,
	"ProcessEstimateResponseV0":      KindProcessEstimate,
	"pan.management.estimate.result": KindProcessEstimate,
}

// Canonical resolves deprecated aliases. The second result is false for kinds
// that are neither canonical nor a known alias.
func Canonical(k Kind) (Kind, bool) {
	if alias, ok := deprecatedKinds[k]; ok {
		return alias, true
	}
	switch k {
	case KindRequestOptimizationPlan, KindProposeProcess, KindProcessEstimate,
		KindSelectStrategy, KindStrategiesReady, KindPlanCreated, KindPlanFailed,
		KindValidateProvider, KindProviderValidated:
		return k, true
	}
	return k, false
}

// IsDeprecated reports whether k is an alias kept for migration.
func IsDeprecated(k Kind) bool {
	_, ok := deprecatedKinds[k]
	return ok
}

// Subjects the engine publishes to and consumes from.
const (
	SubjectPlanRequest       = "optimization.plan.request"
	SubjectStrategySelect    = "optimization.strategy.select"
	SubjectEstimateResponse  = "optimization.estimate.response"
	SubjectStrategiesReady   = "optimization.strategies.ready"
	SubjectPlanCreated       = "optimization.plan.created"
	SubjectPlanFailed        = "optimization.plan.failed"
	SubjectValidate          = "provider.validate"
	SubjectValidateReply     = "provider.validate.reply"
	subjectProposePrefix     = "provider.propose."
	SubjectProposeAll        = subjectProposePrefix + "*"
	SubjectOptimizationWatch = "optimization.>"
)

// ProposeSubject is the subject a provider receives proposals on.
func ProposeSubject(providerID string) string {
	return subjectProposePrefix + providerID
}

// Duration is a time.Duration carried as a Go duration string ("6h30m").
// Numeric values are read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// StepContext tells a provider what is being asked for.
type StepContext struct {
	RequestID  string                     `json:"requestId"`
	StepNumber int                        `json:"stepNumber"`
	Capability domain.Capability          `json:"capability"`
	Activity   string                     `json:"activity"`
	Motor      domain.MotorSpecifications `json:"motor"`
	Deadline   *time.Time                 `json:"deadline,omitempty"`
}

// RequestOptimizationPlanCommand starts a saga.
type RequestOptimizationPlanCommand struct {
	CommandID string                     `json:"commandId"`
	RequestID string                     `json:"requestId"`
	Request   domain.OptimizationRequest `json:"request"`
}

// ProposeProcessCommand asks one provider to estimate one step.
type ProposeProcessCommand struct {
	CommandID  string      `json:"commandId"`
	RequestID  string      `json:"requestId"`
	ProviderID string      `json:"providerId"`
	Step       StepContext `json:"stepContext"`
}

// ProcessEstimateResponse answers a ProposeProcessCommand, correlated by
// CommandID.
type ProcessEstimateResponse struct {
	ResponseID     string   `json:"responseId"`
	ProviderID     string   `json:"providerId"`
	Activity       string   `json:"activity"`
	CostEstimate   float64  `json:"costEstimate"`
	TimeEstimate   Duration `json:"timeEstimate"`
	QualityScore   float64  `json:"qualityScore"`
	EmissionsKgCO2 float64  `json:"emissionsKgCo2"`
	CommandID      string   `json:"commandId"`
	Notes          string   `json:"notes,omitempty"`
}

// Estimate converts the response into a step estimate.
func (r ProcessEstimateResponse) Estimate(stepNumber int, receivedAt time.Time) domain.ProcessEstimate {
	return domain.ProcessEstimate{
		ResponseID:     r.ResponseID,
		CommandID:      r.CommandID,
		StepNumber:     stepNumber,
		ProviderID:     r.ProviderID,
		Activity:       r.Activity,
		Cost:           r.CostEstimate,
		Duration:       time.Duration(r.TimeEstimate),
		QualityScore:   r.QualityScore,
		EmissionsKgCO2: r.EmissionsKgCO2,
		Notes:          r.Notes,
		ReceivedAt:     receivedAt,
	}
}

// Validate rejects responses that cannot be scored.
func (r ProcessEstimateResponse) Validate() error {
	switch {
	case r.CommandID == "":
		return fmt.Errorf("%w: estimate response without command id", domain.ErrInvalidArgument)
	case r.ProviderID == "":
		return fmt.Errorf("%w: estimate response without provider id", domain.ErrInvalidArgument)
	case r.CostEstimate < 0 || r.TimeEstimate < 0 || r.EmissionsKgCO2 < 0:
		return fmt.Errorf("%w: negative estimate from %s", domain.ErrInvalidArgument, r.ProviderID)
	case r.QualityScore < 0 || r.QualityScore > 1:
		return fmt.Errorf("%w: quality score %g outside [0,1]", domain.ErrInvalidArgument, r.QualityScore)
	}
	return nil
}

// SelectStrategyCommand carries the customer's choice.
type SelectStrategyCommand struct {
	CommandID            string    `json:"commandId"`
	RequestID            string    `json:"requestId"`
	SelectedStrategyID   string    `json:"selectedStrategyId"`
	SelectedStrategyName string    `json:"selectedStrategyName,omitempty"`
	SelectedAt           time.Time `json:"selectedAt"`
}

// StrategiesReadyEvent is published when a plan awaits selection.
type StrategiesReadyEvent struct {
	RequestID  string            `json:"requestId"`
	PlanID     string            `json:"planId"`
	Strategies []domain.Strategy `json:"strategies"`
}

// OptimizationPlanCreatedEvent is published when a plan is confirmed.
type OptimizationPlanCreatedEvent struct {
	Plan domain.PlanSnapshot `json:"plan"`
}

// PlanFailedEvent is published on every transition to Failed.
type PlanFailedEvent struct {
	RequestID  string            `json:"requestId"`
	PlanID     string            `json:"planId"`
	LastStatus domain.PlanStatus `json:"lastStatus"`
	Reason     string            `json:"reason"`
	FailedAt   time.Time         `json:"failedAt"`
}

// ValidateProviderRequest asks the validation service for a verdict.
type ValidateProviderRequest struct {
	CorrelationID string                  `json:"correlationId"`
	Provider      domain.ProviderSnapshot `json:"provider"`
}

// ValidateProviderResponse is the verdict.
type ValidateProviderResponse struct {
	CorrelationID  string `json:"correlationId"`
	ProviderID     string `json:"providerId"`
	Approved       bool   `json:"approved"`
	DeclinedReason string `json:"declinedReason,omitempty"`
}
