package providersim

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
)

func testProvider(id string, profile Profile) Provider {
	return Provider{
		Snapshot: domain.ProviderSnapshot{
			ID:           id,
			Name:         strings.ToUpper(id),
			Capabilities: []domain.Capability{domain.CapabilityAssessment, domain.CapabilityRedesign},
			Enabled:      true,
		},
		Profile: profile,
	}
}

func TestEstimate(t *testing.T) {
	p := testProvider("alpha", Profile{CostPerHour: 50, HoursPerUnit: 2, Quality: 0.7, EmissionsPerHour: 3})

	tests := []struct {
		name      string
		step      messaging.StepContext
		cost      float64
		duration  time.Duration
		emissions float64
	}{
		{
			name:      "small motor",
			step:      messaging.StepContext{Capability: domain.CapabilityAssessment, Motor: domain.MotorSpecifications{PowerKW: 5}},
			cost:      100,
			duration:  2 * time.Hour,
			emissions: 6,
		},
		{
			name:      "large motor scales with square root of power",
			step:      messaging.StepContext{Capability: domain.CapabilityAssessment, Motor: domain.MotorSpecifications{PowerKW: 40}},
			cost:      200,
			duration:  4 * time.Hour,
			emissions: 12,
		},
		{
			name:      "capability effort",
			step:      messaging.StepContext{Capability: domain.CapabilityRedesign, Motor: domain.MotorSpecifications{PowerKW: 10}},
			cost:      600,
			duration:  12 * time.Hour,
			emissions: 36,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, dur, quality, emissions := p.Estimate(tt.step)
			assert.InDelta(t, tt.cost, cost, 0.001)
			assert.Equal(t, tt.duration, dur)
			assert.Equal(t, 0.7, quality)
			assert.InDelta(t, tt.emissions, emissions, 0.001)

			// Same input, same answer.
			cost2, dur2, _, _ := p.Estimate(tt.step)
			assert.Equal(t, cost, cost2)
			assert.Equal(t, dur, dur2)
		})
	}
}

func TestEstimateMinimumDuration(t *testing.T) {
	p := testProvider("tiny", Profile{CostPerHour: 10, HoursPerUnit: 0.001})
	_, dur, _, _ := p.Estimate(messaging.StepContext{Capability: domain.CapabilityAssessment})
	assert.Equal(t, time.Minute, dur)
}

func startSimulator(t *testing.T, providers []Provider, opts ...Option) (*messaging.MemoryChannel, *Simulator) {
	t.Helper()
	ch := messaging.NewMemoryChannel()
	t.Cleanup(func() { ch.Close() })
	sim := New(ch, providers, opts...)
	require.NoError(t, sim.Start(context.Background(), "sim"))
	t.Cleanup(func() { _ = sim.Stop() })
	return ch, sim
}

func collectEstimates(t *testing.T, ch messaging.Channel) func() []messaging.ProcessEstimateResponse {
	t.Helper()
	var (
		mu  sync.Mutex
		got []messaging.ProcessEstimateResponse
	)
	_, err := ch.Subscribe(context.Background(), messaging.SubjectEstimateResponse, "collector", func(_ context.Context, _ string, env messaging.Envelope) error {
		resp, err := messaging.Decode[messaging.ProcessEstimateResponse](env, messaging.KindProcessEstimate)
		if err != nil {
			return nil
		}
		mu.Lock()
		got = append(got, resp)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []messaging.ProcessEstimateResponse {
		mu.Lock()
		defer mu.Unlock()
		return append([]messaging.ProcessEstimateResponse(nil), got...)
	}
}

func propose(t *testing.T, ch messaging.Channel, providerID, commandID string) {
	t.Helper()
	require.NoError(t, messaging.PublishPayload(context.Background(), ch, messaging.ProposeSubject(providerID), messaging.KindProposeProcess, "req-1",
		messaging.ProposeProcessCommand{
			CommandID:  commandID,
			RequestID:  "req-1",
			ProviderID: providerID,
			Step: messaging.StepContext{
				RequestID:  "req-1",
				StepNumber: 1,
				Capability: domain.CapabilityAssessment,
				Activity:   "Assessment",
				Motor:      domain.MotorSpecifications{PowerKW: 10},
			},
		}))
}

func TestSimulatorAnswersProposals(t *testing.T) {
	ch, sim := startSimulator(t, []Provider{
		testProvider("alpha", Profile{CostPerHour: 50, HoursPerUnit: 2, Quality: 0.7, EmissionsPerHour: 3}),
	})
	estimates := collectEstimates(t, ch)

	propose(t, ch, "alpha", "cmd-1")
	require.Eventually(t, func() bool { return len(estimates()) == 1 }, time.Second, 5*time.Millisecond)

	got := estimates()[0]
	assert.Equal(t, "alpha", got.ProviderID)
	assert.Equal(t, "cmd-1", got.CommandID)
	assert.Equal(t, "Assessment", got.Activity)
	assert.InDelta(t, 100, got.CostEstimate, 0.001)
	assert.Equal(t, 2*time.Hour, time.Duration(got.TimeEstimate))
	assert.NotEmpty(t, got.ResponseID)
	assert.Equal(t, 1, sim.Answered())
}

func TestSimulatorSilentAndUnknownProviders(t *testing.T) {
	ch, sim := startSimulator(t, []Provider{
		testProvider("quiet", Profile{CostPerHour: 50, HoursPerUnit: 1, Silent: true}),
	})
	estimates := collectEstimates(t, ch)

	propose(t, ch, "quiet", "cmd-1")
	propose(t, ch, "nobody", "cmd-2")
	require.NoError(t, ch.Flush(context.Background()))

	assert.Empty(t, estimates())
	assert.Equal(t, 0, sim.Answered())

	// A provider added later starts answering.
	sim.Set(testProvider("nobody", Profile{CostPerHour: 10, HoursPerUnit: 1}))
	propose(t, ch, "nobody", "cmd-3")
	require.Eventually(t, func() bool { return len(estimates()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sim.Snapshots(), 2)
}

func TestSimulatorValidation(t *testing.T) {
	ch, _ := startSimulator(t, nil, WithVerdict(func(p domain.ProviderSnapshot) (bool, string) {
		if p.Limits.MaxPowerKW == 0 {
			return false, "technical limits missing"
		}
		return true, ""
	}))

	ctx := context.Background()
	r, err := messaging.NewRequester(ctx, ch, messaging.SubjectValidateReply, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	ask := func(corr string, p domain.ProviderSnapshot) messaging.ValidateProviderResponse {
		env, err := r.Request(ctx, messaging.SubjectValidate, messaging.KindValidateProvider, corr,
			messaging.ValidateProviderRequest{CorrelationID: corr, Provider: p}, time.Second)
		require.NoError(t, err)
		resp, err := messaging.Decode[messaging.ValidateProviderResponse](env, messaging.KindProviderValidated)
		require.NoError(t, err)
		return resp
	}

	ok := ask("corr-1", domain.ProviderSnapshot{ID: "p1", Limits: domain.TechnicalLimits{MaxPowerKW: 100}})
	assert.True(t, ok.Approved)
	assert.Equal(t, "p1", ok.ProviderID)

	declined := ask("corr-2", domain.ProviderSnapshot{ID: "p2"})
	assert.False(t, declined.Approved)
	assert.Equal(t, "technical limits missing", declined.DeclinedReason)
}

func TestLoadFleet(t *testing.T) {
	fleet, err := LoadFleet(strings.NewReader(`
providers:
  - id: shop-1
    name: Shop One
    type: Workshop
    capabilities: [Assessment, Cleaning]
    max_power_kw: 55
    max_axis_height_mm: 250
    profile:
      cost_per_hour: 80
      hours_per_unit: 1.5
      quality: 0.9
      emissions_per_hour: 2
      delay: 50ms
  - id: shop-2
    capabilities: [Grinding]
    profile:
      cost_per_hour: 40
      hours_per_unit: 2
      quality: 0.6
`))
	require.NoError(t, err)
	require.Len(t, fleet, 2)

	assert.Equal(t, "Shop One", fleet[0].Snapshot.Name)
	assert.Equal(t, []domain.Capability{domain.CapabilityAssessment, domain.CapabilityCleaning}, fleet[0].Snapshot.Capabilities)
	assert.Equal(t, 55.0, fleet[0].Snapshot.Limits.MaxPowerKW)
	assert.Equal(t, 50*time.Millisecond, fleet[0].Profile.Delay)
	assert.True(t, fleet[0].Snapshot.Enabled)
	assert.Equal(t, "shop-2", fleet[1].Snapshot.Name, "name defaults to id")
}

func TestLoadFleetRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"missing id":      "providers:\n  - capabilities: [Assessment]\n",
		"no capabilities": "providers:\n  - id: a\n",
		"duplicate":       "providers:\n  - id: a\n    capabilities: [Assessment]\n  - id: a\n    capabilities: [Cleaning]\n",
		"quality range":   "providers:\n  - id: a\n    capabilities: [Assessment]\n    profile:\n      quality: 1.5\n",
		"unknown field":   "providers:\n  - id: a\n    capabilities: [Assessment]\n    colour: red\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFleet(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefaultFleetCoversEveryCapability(t *testing.T) {
	covered := make(map[domain.Capability]bool)
	for _, p := range DefaultFleet() {
		for _, c := range p.Snapshot.Capabilities {
			covered[c] = true
		}
	}
	for c := range effort {
		assert.True(t, covered[c], "%s not covered", c)
	}
}
