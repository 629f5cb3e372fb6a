package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() OptimizationRequest {
	return OptimizationRequest{
		CustomerID: "customer-1",
		Motor: MotorSpecifications{
			MotorID:           "motor-1",
			MotorType:         "Induction",
			PowerKW:           15,
			AxisHeightMM:      160,
			CurrentEfficiency: EfficiencyIE2,
			TargetEfficiency:  EfficiencyIE4,
		},
	}
}

func TestValidPlanStatusTransition(t *testing.T) {
	forward := []PlanStatus{
		PlanStatusDraft,
		PlanStatusMatchingWorkflow,
		PlanStatusMatchingProviders,
		PlanStatusEstimatingCosts,
		PlanStatusGeneratingStrategies,
		PlanStatusAwaitingStrategySelection,
		PlanStatusStrategySelected,
		PlanStatusConfirmed,
	}

	for i := 0; i < len(forward)-1; i++ {
		from, to := forward[i], forward[i+1]
		assert.True(t, ValidPlanStatusTransition(from, to), "%s -> %s", from, to)
		assert.True(t, ValidPlanStatusTransition(from, PlanStatusFailed), "%s -> FAILED", from)

		// Never backwards, never skipping.
		for j := 0; j < len(forward); j++ {
			if j == i+1 {
				continue
			}
			assert.False(t, ValidPlanStatusTransition(from, forward[j]), "%s -> %s", from, forward[j])
		}
	}

	for _, terminal := range []PlanStatus{PlanStatusConfirmed, PlanStatusFailed} {
		for _, to := range AllPlanStatuses() {
			assert.False(t, ValidPlanStatusTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestPlanTransitionRecordsHistory(t *testing.T) {
	plan := NewOptimizationPlan("plan-1", "req-1", validRequest())
	require.Equal(t, PlanStatusDraft, plan.Status())

	require.NoError(t, plan.Transition(PlanStatusMatchingWorkflow, ""))
	require.NoError(t, plan.Transition(PlanStatusMatchingProviders, ""))

	err := plan.Transition(PlanStatusDraft, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, PlanStatusMatchingProviders, plan.Status())

	require.NoError(t, plan.Fail("no providers"))
	assert.Equal(t, PlanStatusFailed, plan.Status())
	assert.Equal(t, "no providers", plan.FailureReason)
	assert.Equal(t, PlanStatusMatchingProviders, plan.LastActiveStatus())

	require.Len(t, plan.History, 4)
	for i := 1; i < len(plan.History); i++ {
		assert.Equal(t, plan.History[i-1].To, plan.History[i].From)
		assert.True(t, ValidPlanStatusTransition(plan.History[i].From, plan.History[i].To))
	}

	assert.ErrorIs(t, plan.Fail("again"), ErrInvalidState)
}

func TestAppliedCommands(t *testing.T) {
	plan := NewOptimizationPlan("plan-1", "req-1", validRequest())
	assert.False(t, plan.HasApplied("cmd-1"))
	plan.MarkApplied("cmd-1")
	assert.True(t, plan.HasApplied("cmd-1"))
	plan.MarkApplied("")
	assert.False(t, plan.HasApplied(""))
}

func TestValidateStrategy(t *testing.T) {
	plan := NewOptimizationPlan("plan-1", "req-1", validRequest())
	plan.Steps = []ProcessStep{
		{Number: 1, Capability: CapabilityAssessment, Candidates: []MatchedProvider{{ProviderID: "p1"}}},
		{Number: 2, Capability: CapabilityCleaning, Candidates: []MatchedProvider{{ProviderID: "p2"}}},
	}

	good := &Strategy{ID: "s1", Choices: []StrategyChoice{{StepNumber: 1, ProviderID: "p1"}, {StepNumber: 2, ProviderID: "p2"}}}
	assert.NoError(t, plan.ValidateStrategy(good))

	foreign := &Strategy{ID: "s2", Choices: []StrategyChoice{{StepNumber: 1, ProviderID: "p1"}, {StepNumber: 2, ProviderID: "p9"}}}
	assert.ErrorIs(t, plan.ValidateStrategy(foreign), ErrInvalidArgument)

	short := &Strategy{ID: "s3", Choices: []StrategyChoice{{StepNumber: 1, ProviderID: "p1"}}}
	assert.ErrorIs(t, plan.ValidateStrategy(short), ErrInvalidArgument)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, validRequest().Validate())

	bad := validRequest()
	bad.CustomerID = ""
	bad.Motor.PowerKW = 0
	bad.Motor.TargetEfficiency = "IE9"
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "customerId")
	assert.Contains(t, err.Error(), "powerKw")
	assert.Contains(t, err.Error(), "targetEfficiency")
}

func TestAllocatedSlotWorkingDuration(t *testing.T) {
	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	slot := AllocatedSlot{
		Start: start,
		End:   start.Add(9 * time.Hour),
		Segments: []Segment{
			{Kind: SegmentWorkingTime, Start: start, End: start.Add(4 * time.Hour)},
			{Kind: SegmentBreak, Start: start.Add(4 * time.Hour), End: start.Add(5 * time.Hour)},
			{Kind: SegmentWorkingTime, Start: start.Add(5 * time.Hour), End: start.Add(9 * time.Hour)},
		},
	}
	assert.Equal(t, 8*time.Hour, slot.WorkingDuration())
	assert.True(t, slot.Overlaps(start.Add(8*time.Hour), start.Add(10*time.Hour)))
	assert.False(t, slot.Overlaps(start.Add(9*time.Hour), start.Add(10*time.Hour)))
}

func TestFatalErrorUnwrap(t *testing.T) {
	err := &FatalError{RequestID: "r", LastStatus: PlanStatusStrategySelected, Reason: "x", Err: ErrSchedulingConflict}
	assert.ErrorIs(t, err, ErrOrchestrationFatal)
	assert.ErrorIs(t, err, ErrSchedulingConflict)

	var conflict error = &SchedulingConflictError{ProviderID: "p"}
	assert.ErrorIs(t, conflict, ErrSchedulingConflict)
}

func TestPlanStatusText(t *testing.T) {
	b, err := json.Marshal(map[string]PlanStatus{"status": PlanStatusAwaitingStrategySelection})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"AWAITING_STRATEGY_SELECTION"}`, string(b))

	var got struct{ Status PlanStatus }
	require.NoError(t, json.Unmarshal([]byte(`{"Status":"CONFIRMED"}`), &got))
	assert.Equal(t, PlanStatusConfirmed, got.Status)

	err = json.Unmarshal([]byte(`{"Status":"DONE"}`), &got)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ParsePlanStatus("matching_workflow")
	assert.Error(t, err, "names are case sensitive")
}

func TestSnapshotIsDetached(t *testing.T) {
	plan := NewOptimizationPlan("plan-1", "req-1", validRequest())
	plan.Steps = []ProcessStep{{Number: 1, Capability: CapabilityAssessment}}
	require.NoError(t, plan.Transition(PlanStatusMatchingWorkflow, "resolving"))

	snap := plan.Snapshot()
	assert.Equal(t, PlanStatusMatchingWorkflow, snap.Status)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "resolving", snap.History[1].Reason)

	snap.Steps[0].Capability = CapabilityGrinding
	snap.History[0].Reason = "edited"
	assert.Equal(t, CapabilityAssessment, plan.Steps[0].Capability)
	assert.Empty(t, plan.History[0].Reason)
}
