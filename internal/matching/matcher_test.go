package matching

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

func snapshot() []domain.ProviderSnapshot {
	return []domain.ProviderSnapshot{
		{ID: "p3", Name: "Gamma", Type: "Workshop", Capabilities: []domain.Capability{domain.CapabilityCleaning}, Enabled: true},
		{ID: "p1", Name: "Alpha", Type: "Workshop", Capabilities: []domain.Capability{domain.CapabilityCleaning, domain.CapabilityGrinding}, Enabled: true},
		{ID: "p2", Name: "Beta", Type: "Lab", Capabilities: []domain.Capability{domain.CapabilityCleaning}, Enabled: false},
		{ID: "p4", Name: "Delta", Type: "Workshop", Capabilities: []domain.Capability{domain.CapabilityCleaning},
			Enabled: true, Limits: domain.TechnicalLimits{MaxPowerKW: 5}},
	}
}

func TestMatchKeepsDirectoryOrderAndSkipsDisabled(t *testing.T) {
	got := Match(domain.ProcessStep{Number: 1, Capability: domain.CapabilityCleaning}, snapshot())

	var ids []string
	for _, m := range got {
		ids = append(ids, m.ProviderID)
		assert.False(t, m.MatchedAt.IsZero())
	}
	assert.Equal(t, []string{"p3", "p1", "p4"}, ids)
	assert.Equal(t, "Gamma", got[0].Name)
}

func TestMatchIsASnapshot(t *testing.T) {
	dir := snapshot()
	got := Match(domain.ProcessStep{Capability: domain.CapabilityGrinding}, dir)
	require.Len(t, got, 1)

	dir[1].Name = "Renamed"
	dir[1].Enabled = false
	assert.Equal(t, "Alpha", got[0].Name)
}

func TestMatchMotorAppliesLimits(t *testing.T) {
	got := MatchMotor(domain.ProcessStep{Capability: domain.CapabilityCleaning}, snapshot(),
		domain.MotorSpecifications{PowerKW: 15})
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ProviderID)
	}
	assert.Equal(t, []string{"p3", "p1"}, ids)
}

func TestMatchAllReportsFirstUnmatchedStep(t *testing.T) {
	steps := []domain.ProcessStep{
		{Number: 1, Capability: domain.CapabilityCleaning},
		{Number: 2, Capability: domain.CapabilityRedesign},
		{Number: 3, Capability: domain.CapabilityCertification},
	}
	out, err := MatchAll(steps, snapshot(), domain.MotorSpecifications{PowerKW: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMatchingFailure)

	var stepErr *domain.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.StepNumber)
	assert.Len(t, out[0].Candidates, 3)
	assert.Empty(t, steps[0].Candidates)
}

func TestMatchAllFailsStepExcludedByLimits(t *testing.T) {
	snap := []domain.ProviderSnapshot{
		{ID: "small", Capabilities: []domain.Capability{domain.CapabilityTurning}, Enabled: true,
			Limits: domain.TechnicalLimits{MaxPowerKW: 20, MaxAxisHeightMM: 200}},
		{ID: "any", Capabilities: []domain.Capability{domain.CapabilityCleaning}, Enabled: true},
	}
	steps := []domain.ProcessStep{
		{Number: 1, Capability: domain.CapabilityCleaning},
		{Number: 2, Capability: domain.CapabilityTurning},
	}

	out, err := MatchAll(steps, snap, domain.MotorSpecifications{PowerKW: 15, AxisHeightMM: 180})
	require.NoError(t, err)
	require.Len(t, out[1].Candidates, 1)
	assert.Equal(t, "small", out[1].Candidates[0].ProviderID)

	// Same capability, but the motor is too tall for the only turner.
	out, err = MatchAll(steps, snap, domain.MotorSpecifications{PowerKW: 15, AxisHeightMM: 250})
	require.ErrorIs(t, err, domain.ErrMatchingFailure)
	var stepErr *domain.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.StepNumber)
	assert.Len(t, out[0].Candidates, 1)
	assert.Empty(t, out[1].Candidates)

	// Match itself ignores limits.
	assert.Len(t, Match(steps[1], snap), 1)
}
