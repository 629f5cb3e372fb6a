package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// PlanRow is the column layout shared by the SQL stores. Nested aggregates
// are stored as JSON documents.
type PlanRow struct {
	ID                 string
	RequestID          string
	CustomerID         string
	Status             domain.PlanStatus
	WorkflowType       string
	RequestJSON        string
	StepsJSON          string
	StrategiesJSON     string
	SelectedStrategyID string
	SlotsJSON          string
	FailureReason      string
	AppliedJSON        string
	HistoryJSON        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64
}

// EncodePlan flattens a plan into a row.
func EncodePlan(p *domain.OptimizationPlan) (PlanRow, error) {
	row := PlanRow{
		ID:                 p.ID,
		RequestID:          p.RequestID,
		CustomerID:         p.Request.CustomerID,
		Status:             p.Status(),
		WorkflowType:       string(p.WorkflowType),
		SelectedStrategyID: p.SelectedStrategyID,
		FailureReason:      p.FailureReason,
		CreatedAt:          p.CreatedAt.UTC(),
		UpdatedAt:          p.UpdatedAt.UTC(),
		Version:            p.Version,
	}
	fields := []struct {
		dst *string
		src any
	}{
		{&row.RequestJSON, p.Request},
		{&row.StepsJSON, p.Steps},
		{&row.StrategiesJSON, p.Strategies},
		{&row.SlotsJSON, p.Slots},
		{&row.AppliedJSON, p.AppliedCommands},
		{&row.HistoryJSON, p.History},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.src)
		if err != nil {
			return PlanRow{}, fmt.Errorf("encoding plan %s: %w", p.ID, err)
		}
		*f.dst = string(b)
	}
	return row, nil
}

// DecodePlan rebuilds a plan from a row.
func DecodePlan(row PlanRow) (*domain.OptimizationPlan, error) {
	p := &domain.OptimizationPlan{
		ID:                 row.ID,
		RequestID:          row.RequestID,
		WorkflowType:       domain.WorkflowType(row.WorkflowType),
		SelectedStrategyID: row.SelectedStrategyID,
		FailureReason:      row.FailureReason,
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
		Version:            row.Version,
	}
	fields := []struct {
		src string
		dst any
	}{
		{row.RequestJSON, &p.Request},
		{row.StepsJSON, &p.Steps},
		{row.StrategiesJSON, &p.Strategies},
		{row.SlotsJSON, &p.Slots},
		{row.AppliedJSON, &p.AppliedCommands},
		{row.HistoryJSON, &p.History},
	}
	for _, f := range fields {
		if f.src == "" || f.src == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("decoding plan %s: %w", row.ID, err)
		}
	}
	if p.AppliedCommands == nil {
		p.AppliedCommands = make(map[string]time.Time)
	}
	p.Restore(row.Status)
	return p, nil
}

// ProviderRow is the column layout of a directory entry.
type ProviderRow struct {
	ID               string
	Name             string
	Type             string
	CapabilitiesJSON string
	LimitsJSON       string
	Enabled          bool
	DeclinedReason   string
	RegisteredAt     time.Time
}

// EncodeProvider flattens a provider into a row.
func EncodeProvider(p *domain.ProviderSnapshot) (ProviderRow, error) {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return ProviderRow{}, err
	}
	limits, err := json.Marshal(p.Limits)
	if err != nil {
		return ProviderRow{}, err
	}
	return ProviderRow{
		ID:               p.ID,
		Name:             p.Name,
		Type:             p.Type,
		CapabilitiesJSON: string(caps),
		LimitsJSON:       string(limits),
		Enabled:          p.Enabled,
		DeclinedReason:   p.DeclinedReason,
		RegisteredAt:     p.RegisteredAt.UTC(),
	}, nil
}

// DecodeProvider rebuilds a provider from a row.
func DecodeProvider(row ProviderRow) (*domain.ProviderSnapshot, error) {
	p := &domain.ProviderSnapshot{
		ID:             row.ID,
		Name:           row.Name,
		Type:           row.Type,
		Enabled:        row.Enabled,
		DeclinedReason: row.DeclinedReason,
		RegisteredAt:   row.RegisteredAt.UTC(),
	}
	if row.CapabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(row.CapabilitiesJSON), &p.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding provider %s capabilities: %w", row.ID, err)
		}
	}
	if row.LimitsJSON != "" {
		if err := json.Unmarshal([]byte(row.LimitsJSON), &p.Limits); err != nil {
			return nil, fmt.Errorf("decoding provider %s limits: %w", row.ID, err)
		}
	}
	return p, nil
}

// EncodeSegments serializes slot segments.
func EncodeSegments(segs []domain.Segment) (string, error) {
	b, err := json.Marshal(segs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSegments parses slot segments.
func DecodeSegments(s string) ([]domain.Segment, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var segs []domain.Segment
	if err := json.Unmarshal([]byte(s), &segs); err != nil {
		return nil, err
	}
	return segs, nil
}
