package web

import (
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// PlanSummary is a plan row for listing.
type PlanSummary struct {
	PlanID             string              `json:"planId"`
	RequestID          string              `json:"requestId"`
	CustomerID         string              `json:"customerId"`
	MotorID            string              `json:"motorId"`
	Status             domain.PlanStatus   `json:"status"`
	WorkflowType       domain.WorkflowType `json:"workflowType,omitempty"`
	StepCount          int                 `json:"stepCount"`
	StrategyCount      int                 `json:"strategyCount"`
	SelectedStrategyID string              `json:"selectedStrategyId,omitempty"`
	FailureReason      string              `json:"failureReason,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// ListPlansResponse is the response for GET /api/plans.
type ListPlansResponse struct {
	Plans []PlanSummary `json:"plans"`
	Count int           `json:"count"`
}

// TimelineResponse is the response for GET /api/plans/:requestId/timeline.
type TimelineResponse struct {
	PlanID    string            `json:"planId"`
	RequestID string            `json:"requestId"`
	Status    domain.PlanStatus `json:"status"`
	Entries   []TimelineEntry   `json:"entries"`
	Slots     []SlotInfo        `json:"slots,omitempty"`
}

// TimelineEntry is one status change.
type TimelineEntry struct {
	From   domain.PlanStatus `json:"from"`
	To     domain.PlanStatus `json:"to"`
	At     time.Time         `json:"at"`
	Reason string            `json:"reason,omitempty"`
}

// SlotInfo is a committed slot with its working time.
type SlotInfo struct {
	StepNumber  int       `json:"stepNumber"`
	ProviderID  string    `json:"providerId"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	WorkingTime string    `json:"workingTime"`
	Breaks      int       `json:"breaks"`
}

func convertPlan(p *domain.OptimizationPlan) PlanSummary {
	return PlanSummary{
		PlanID:             p.ID,
		RequestID:          p.RequestID,
		CustomerID:         p.Request.CustomerID,
		MotorID:            p.Request.Motor.MotorID,
		Status:             p.Status(),
		WorkflowType:       p.WorkflowType,
		StepCount:          len(p.Steps),
		StrategyCount:      len(p.Strategies),
		SelectedStrategyID: p.SelectedStrategyID,
		FailureReason:      p.FailureReason,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func convertTimeline(p *domain.OptimizationPlan) TimelineResponse {
	resp := TimelineResponse{
		PlanID:    p.ID,
		RequestID: p.RequestID,
		Status:    p.Status(),
		Entries:   make([]TimelineEntry, 0, len(p.History)),
	}
	for _, h := range p.History {
		resp.Entries = append(resp.Entries, TimelineEntry{From: h.From, To: h.To, At: h.At, Reason: h.Reason})
	}
	for _, s := range p.Slots {
		breaks := 0
		for _, seg := range s.Segments {
			if seg.Kind == domain.SegmentBreak {
				breaks++
			}
		}
		resp.Slots = append(resp.Slots, SlotInfo{
			StepNumber:  s.StepNumber,
			ProviderID:  s.ProviderID,
			Start:       s.Start,
			End:         s.End,
			WorkingTime: s.WorkingDuration().String(),
			Breaks:      breaks,
		})
	}
	return resp
}
