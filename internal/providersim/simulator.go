// Package providersim is a stand-in for the provider services. It answers
// proposal commands with deterministic estimates and validation requests
// with a configurable verdict.
package providersim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// Profile is how a simulated provider prices its work.
type Profile struct {
	CostPerHour      float64       `json:"costPerHour" yaml:"cost_per_hour"`
	HoursPerUnit     float64       `json:"hoursPerUnit" yaml:"hours_per_unit"`
	Quality          float64       `json:"quality" yaml:"quality"`
	EmissionsPerHour float64       `json:"emissionsPerHour" yaml:"emissions_per_hour"`
	Delay            time.Duration `json:"delay,omitempty" yaml:"delay"`
	// Silent providers never answer proposals.
	Silent bool `json:"silent,omitempty" yaml:"silent"`
}

// Provider is a simulated provider.
type Provider struct {
	Snapshot domain.ProviderSnapshot
	Profile  Profile
}

// effort is the relative amount of work per capability.
var effort = map[domain.Capability]float64{
	domain.CapabilityAssessment:       1,
	domain.CapabilityCleaning:         1.5,
	domain.CapabilityDisassembly:      2,
	domain.CapabilityRedesign:         6,
	domain.CapabilityTurning:          3,
	domain.CapabilityGrinding:         2.5,
	domain.CapabilityPartSubstitution: 2,
	domain.CapabilityReassembly:       3,
	domain.CapabilityCertification:    1,
}

// Estimate prices one step. The result depends only on the profile, the
// capability and the motor power.
func (p Provider) Estimate(step messaging.StepContext) (cost float64, duration time.Duration, quality, emissions float64) {
	e, ok := effort[step.Capability]
	if !ok {
		e = 1
	}
	// Bigger motors take longer, sub-linearly.
	size := 1.0
	if step.Motor.PowerKW > 0 {
		size = math.Max(1, math.Sqrt(step.Motor.PowerKW/10))
	}
	hours := p.Profile.HoursPerUnit * e * size
	duration = time.Duration(hours * float64(time.Hour)).Round(time.Minute)
	if duration < time.Minute {
		duration = time.Minute
	}
	cost = math.Round(hours*p.Profile.CostPerHour*100) / 100
	emissions = math.Round(hours*p.Profile.EmissionsPerHour*10) / 10
	return cost, duration, p.Profile.Quality, emissions
}

// Verdict decides a validation request.
type Verdict func(p domain.ProviderSnapshot) (approved bool, reason string)

// ApproveAll approves every provider.
func ApproveAll(domain.ProviderSnapshot) (bool, string) { return true, "" }

// Simulator serves a set of providers over a channel.
type Simulator struct {
	ch      messaging.Channel
	logger  *logging.Logger
	verdict Verdict

	mu        sync.RWMutex
	providers map[string]Provider
	subs      []messaging.Subscription
	answered  int
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithVerdict sets how validation requests are answered.
func WithVerdict(v Verdict) Option {
	return func(s *Simulator) { s.verdict = v }
}

// New creates a simulator serving providers.
func New(ch messaging.Channel, providers []Provider, opts ...Option) *Simulator {
	s := &Simulator{
		ch:        ch,
		logger:    logging.NopLogger(),
		verdict:   ApproveAll,
		providers: make(map[string]Provider, len(providers)),
	}
	for _, p := range providers {
		s.providers[p.Snapshot.ID] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("providersim")
	return s
}

// Set adds or replaces a provider.
func (s *Simulator) Set(p Provider) {
	s.mu.Lock()
	s.providers[p.Snapshot.ID] = p
	s.mu.Unlock()
}

// Snapshots returns the directory entries of the simulated providers.
func (s *Simulator) Snapshots() []domain.ProviderSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProviderSnapshot, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Snapshot.Clone())
	}
	return out
}

// Answered returns how many proposals were answered.
func (s *Simulator) Answered() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answered
}

// Start subscribes to proposals and validation requests.
func (s *Simulator) Start(ctx context.Context, durable string) error {
	propose, err := s.ch.Subscribe(ctx, messaging.SubjectProposeAll, durable+"-proposals", s.handlePropose)
	if err != nil {
		return fmt.Errorf("subscribing to proposals: %w", err)
	}
	validate, err := s.ch.Subscribe(ctx, messaging.SubjectValidate, durable+"-validation", s.handleValidate)
	if err != nil {
		_ = propose.Unsubscribe()
		return fmt.Errorf("subscribing to validation: %w", err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, propose, validate)
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Simulator) handlePropose(ctx context.Context, _ string, env messaging.Envelope) error {
	cmd, err := messaging.Decode[messaging.ProposeProcessCommand](env, messaging.KindProposeProcess)
	if err != nil {
		s.logger.Warn("dropping undecodable proposal", "error", err)
		return nil
	}
	s.mu.RLock()
	p, ok := s.providers[cmd.ProviderID]
	s.mu.RUnlock()
	if !ok || p.Profile.Silent {
		return nil
	}
	if p.Profile.Delay > 0 {
		select {
		case <-time.After(p.Profile.Delay):
		case <-ctx.Done():
			return nil
		}
	}

	cost, dur, quality, emissions := p.Estimate(cmd.Step)
	resp := messaging.ProcessEstimateResponse{
		ResponseID:     id.Generate(),
		ProviderID:     p.Snapshot.ID,
		Activity:       cmd.Step.Activity,
		CostEstimate:   cost,
		TimeEstimate:   messaging.Duration(dur),
		QualityScore:   quality,
		EmissionsKgCO2: emissions,
		CommandID:      cmd.CommandID,
	}
	if err := messaging.PublishPayload(ctx, s.ch, messaging.SubjectEstimateResponse, messaging.KindProcessEstimate, cmd.RequestID, resp); err != nil {
		return err
	}
	s.mu.Lock()
	s.answered++
	s.mu.Unlock()
	s.logger.WithRequest(cmd.RequestID).WithProvider(p.Snapshot.ID).Debug("proposal answered",
		"step", cmd.Step.StepNumber, "cost", cost, "duration", dur)
	return nil
}

func (s *Simulator) handleValidate(ctx context.Context, _ string, env messaging.Envelope) error {
	req, err := messaging.Decode[messaging.ValidateProviderRequest](env, messaging.KindValidateProvider)
	if err != nil {
		s.logger.Warn("dropping undecodable validation request", "error", err)
		return nil
	}
	approved, reason := s.verdict(req.Provider)
	return messaging.PublishPayload(ctx, s.ch, messaging.SubjectValidateReply, messaging.KindProviderValidated, env.CorrelationID,
		messaging.ValidateProviderResponse{
			CorrelationID:  req.CorrelationID,
			ProviderID:     req.Provider.ID,
			Approved:       approved,
			DeclinedReason: reason,
		})
}
