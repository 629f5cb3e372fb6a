package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EfficiencyClass is an IEC 60034-30 motor efficiency class.
type EfficiencyClass string

const (
	EfficiencyIE1 EfficiencyClass = "IE1"
	EfficiencyIE2 EfficiencyClass = "IE2"
	EfficiencyIE3 EfficiencyClass = "IE3"
	EfficiencyIE4 EfficiencyClass = "IE4"
)

// Rank orders efficiency classes; unknown classes rank 0.
func (c EfficiencyClass) Rank() int {
	switch EfficiencyClass(strings.ToUpper(string(c))) {
	case EfficiencyIE1:
		return 1
	case EfficiencyIE2:
		return 2
	case EfficiencyIE3:
		return 3
	case EfficiencyIE4:
		return 4
	default:
		return 0
	}
}

// MotorSpecifications describes the motor submitted for optimization.
type MotorSpecifications struct {
	MotorID                string          `json:"motorId"`
	MotorType              string          `json:"motorType"`
	PowerKW                float64         `json:"powerKw"`
	AxisHeightMM           int             `json:"axisHeightMm"`
	CurrentEfficiency      EfficiencyClass `json:"currentEfficiency"`
	TargetEfficiency       EfficiencyClass `json:"targetEfficiency"`
	MalfunctionDescription string          `json:"malfunctionDescription,omitempty"`
}

// Constraints bounds the acceptable plans.
type Constraints struct {
	MaxBudget float64    `json:"maxBudget,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// OptimizationRequest is the customer-submitted specification. It is treated
// as immutable once submitted.
type OptimizationRequest struct {
	CustomerID  string              `json:"customerId"`
	Motor       MotorSpecifications `json:"motor"`
	Constraints Constraints         `json:"constraints"`
}

// Validate reports every malformed field at once.
func (r OptimizationRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.CustomerID) == "" {
		errs = append(errs, errors.New("customerId is required"))
	}
	if strings.TrimSpace(r.Motor.MotorID) == "" {
		errs = append(errs, errors.New("motor.motorId is required"))
	}
	if r.Motor.PowerKW <= 0 {
		errs = append(errs, fmt.Errorf("motor.powerKw must be positive, got %g", r.Motor.PowerKW))
	}
	if r.Motor.AxisHeightMM < 0 {
		errs = append(errs, fmt.Errorf("motor.axisHeightMm must not be negative, got %d", r.Motor.AxisHeightMM))
	}
	if r.Motor.CurrentEfficiency.Rank() == 0 {
		errs = append(errs, fmt.Errorf("motor.currentEfficiency %q is not a known class", r.Motor.CurrentEfficiency))
	}
	if r.Motor.TargetEfficiency.Rank() == 0 {
		errs = append(errs, fmt.Errorf("motor.targetEfficiency %q is not a known class", r.Motor.TargetEfficiency))
	}
	if r.Constraints.MaxBudget < 0 {
		errs = append(errs, fmt.Errorf("constraints.maxBudget must not be negative, got %g", r.Constraints.MaxBudget))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
}
