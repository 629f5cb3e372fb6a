package domain

import "time"

// Capability names a process activity a provider can perform.
type Capability string

const (
	CapabilityAssessment       Capability = "Assessment"
	CapabilityCleaning         Capability = "Cleaning"
	CapabilityDisassembly      Capability = "Disassembly"
	CapabilityRedesign         Capability = "Redesign"
	CapabilityTurning          Capability = "Turning"
	CapabilityGrinding         Capability = "Grinding"
	CapabilityPartSubstitution Capability = "PartSubstitution"
	CapabilityReassembly       Capability = "Reassembly"
	CapabilityCertification    Capability = "Certification"
)

// WorkflowType names a process template.
type WorkflowType string

const (
	WorkflowUpgrade   WorkflowType = "Upgrade"
	WorkflowRefurbish WorkflowType = "Refurbish"
)

// MatchedProvider is a snapshot of a provider taken when it was matched to a
// step. It is not linked to the live directory entry.
type MatchedProvider struct {
	ProviderID string    `json:"providerId"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	MatchedAt  time.Time `json:"matchedAt"`
}

// ProcessEstimate is one provider's answer to a proposal for a step.
type ProcessEstimate struct {
	ResponseID     string        `json:"responseId"`
	CommandID      string        `json:"commandId"`
	StepNumber     int           `json:"stepNumber"`
	ProviderID     string        `json:"providerId"`
	Activity       string        `json:"activity"`
	Cost           float64       `json:"cost"`
	Duration       time.Duration `json:"duration"`
	QualityScore   float64       `json:"qualityScore"`
	EmissionsKgCO2 float64       `json:"emissionsKgCo2"`
	Notes          string        `json:"notes,omitempty"`
	ReceivedAt     time.Time     `json:"receivedAt"`
}

// StepCollection records how estimate collection ended for a step.
type StepCollection struct {
	Reported  bool   `json:"reported"`
	TimedOut  bool   `json:"timedOut"`
	Cancelled bool   `json:"cancelled"`
	Failure   string `json:"failure,omitempty"`
}

// ProcessStep is one activity of the resolved template.
type ProcessStep struct {
	Number     int               `json:"number"`
	Capability Capability        `json:"capability"`
	Activity   string            `json:"activity"`
	Candidates []MatchedProvider `json:"candidates"`
	Estimates  []ProcessEstimate `json:"estimates"`
	Collection StepCollection    `json:"collection"`
}

// HasCandidate reports whether the provider was matched for this step.
func (s *ProcessStep) HasCandidate(providerID string) bool {
	for _, c := range s.Candidates {
		if c.ProviderID == providerID {
			return true
		}
	}
	return false
}

// Estimate returns the estimate a provider gave for this step.
func (s *ProcessStep) Estimate(providerID string) (*ProcessEstimate, bool) {
	for i := range s.Estimates {
		if s.Estimates[i].ProviderID == providerID {
			return &s.Estimates[i], true
		}
	}
	return nil, false
}

// TechnicalLimits bounds the motors a provider can process.
type TechnicalLimits struct {
	MaxPowerKW      float64 `json:"maxPowerKw,omitempty"`
	MaxAxisHeightMM int     `json:"maxAxisHeightMm,omitempty"`
}

// ProviderSnapshot is a directory entry as read by the core.
type ProviderSnapshot struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Capabilities   []Capability    `json:"capabilities"`
	Limits         TechnicalLimits `json:"limits"`
	Enabled        bool            `json:"enabled"`
	DeclinedReason string          `json:"declinedReason,omitempty"`
	RegisteredAt   time.Time       `json:"registeredAt"`
}

// HasCapability reports whether the provider offers a capability.
func (p ProviderSnapshot) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p ProviderSnapshot) Clone() ProviderSnapshot {
	out := p
	out.Capabilities = append([]Capability(nil), p.Capabilities...)
	return out
}
