// Package matching selects candidate providers for process steps.
package matching

import (
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// Match returns the enabled providers offering the step's capability, in
// directory order. The result is a copy; later directory changes do not
// affect it.
func Match(step domain.ProcessStep, snapshot []domain.ProviderSnapshot) []domain.MatchedProvider {
	return match(step, snapshot, nil, time.Now().UTC())
}

// MatchMotor is Match restricted to providers whose technical limits admit
// the motor. A zero limit means unrestricted.
func MatchMotor(step domain.ProcessStep, snapshot []domain.ProviderSnapshot, motor domain.MotorSpecifications) []domain.MatchedProvider {
	return match(step, snapshot, &motor, time.Now().UTC())
}

func match(step domain.ProcessStep, snapshot []domain.ProviderSnapshot, motor *domain.MotorSpecifications, now time.Time) []domain.MatchedProvider {
	var out []domain.MatchedProvider
	for _, p := range snapshot {
		if !p.Enabled || !p.HasCapability(step.Capability) {
			continue
		}
		if motor != nil && !admits(p.Limits, *motor) {
			continue
		}
		out = append(out, domain.MatchedProvider{
			ProviderID: p.ID,
			Name:       p.Name,
			Type:       p.Type,
			MatchedAt:  now,
		})
	}
	return out
}

func admits(l domain.TechnicalLimits, m domain.MotorSpecifications) bool {
	if l.MaxPowerKW > 0 && m.PowerKW > l.MaxPowerKW {
		return false
	}
	if l.MaxAxisHeightMM > 0 && m.AxisHeightMM > l.MaxAxisHeightMM {
		return false
	}
	return true
}

// MatchAll matches every step against one snapshot. It returns the steps
// with candidates filled in and the first step left without candidates, if
// any, as a *domain.StepError wrapping ErrMatchingFailure.
func MatchAll(steps []domain.ProcessStep, snapshot []domain.ProviderSnapshot, motor domain.MotorSpecifications) ([]domain.ProcessStep, error) {
	out := make([]domain.ProcessStep, len(steps))
	var firstErr error
	now := time.Now().UTC()
	for i, s := range steps {
		s.Candidates = match(s, snapshot, &motor, now)
		out[i] = s
		if len(s.Candidates) == 0 && firstErr == nil {
			firstErr = &domain.StepError{
				StepNumber: s.Number,
				Capability: s.Capability,
				Err:        domain.ErrMatchingFailure,
			}
		}
	}
	return out, firstErr
}
