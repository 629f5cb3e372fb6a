// Package strategy turns per-step provider estimates into whole-plan
// candidates, one per optimization priority.
//
// Scoring works step by step. Each estimate's cost, duration, quality and
// emissions are min-max scaled against the other estimates of the same step
// (cost, duration and emissions inverted so that 1.0 is always best), the
// priority's weights combine the four into a step score, and the best
// provider per step is chosen. Because steps are independent, the per-step
// optimum is also the optimum of the whole combination for the plan total
// of any metric the weights reduce to.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// scoreEpsilon is the tolerance under which two scores are considered tied.
const scoreEpsilon = 1e-9

// Normalized holds an estimate's metrics scaled to [0,1], higher is better.
type Normalized struct {
	Estimate  domain.ProcessEstimate
	Cost      float64
	Time      float64
	Quality   float64
	Emissions float64
}

// Score applies weights.
func (n Normalized) Score(w domain.OptimizationWeights) float64 {
	return w.Cost*n.Cost + w.Time*n.Time + w.Quality*n.Quality + w.Emissions*n.Emissions
}

// Normalize scales one step's estimates. A single estimate, or a metric on
// which all estimates agree, normalizes to 1.0.
func Normalize(estimates []domain.ProcessEstimate) []Normalized {
	if len(estimates) == 0 {
		return nil
	}
	cost := newRange()
	dur := newRange()
	qual := newRange()
	emis := newRange()
	for _, e := range estimates {
		cost.add(e.Cost)
		dur.add(float64(e.Duration))
		qual.add(e.QualityScore)
		emis.add(e.EmissionsKgCO2)
	}
	out := make([]Normalized, len(estimates))
	for i, e := range estimates {
		out[i] = Normalized{
			Estimate:  e,
			Cost:      cost.lowerIsBetter(e.Cost),
			Time:      dur.lowerIsBetter(float64(e.Duration)),
			Quality:   qual.higherIsBetter(e.QualityScore),
			Emissions: emis.lowerIsBetter(e.EmissionsKgCO2),
		}
	}
	return out
}

type valueRange struct {
	min, max float64
}

func newRange() valueRange {
	return valueRange{min: math.Inf(1), max: math.Inf(-1)}
}

func (r *valueRange) add(v float64) {
	r.min = math.Min(r.min, v)
	r.max = math.Max(r.max, v)
}

func (r valueRange) flat() bool {
	return r.max-r.min <= scoreEpsilon
}

func (r valueRange) lowerIsBetter(v float64) float64 {
	if r.flat() {
		return 1
	}
	return clamp((r.max - v) / (r.max - r.min))
}

func (r valueRange) higherIsBetter(v float64) float64 {
	if r.flat() {
		return 1
	}
	return clamp((v - r.min) / (r.max - r.min))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// better reports whether candidate a beats b: higher score, then lower raw
// cost, then lower raw duration, then the smaller provider id.
func better(a, b Normalized, w domain.OptimizationWeights) bool {
	sa, sb := a.Score(w), b.Score(w)
	if math.Abs(sa-sb) > scoreEpsilon {
		return sa > sb
	}
	ea, eb := a.Estimate, b.Estimate
	if math.Abs(ea.Cost-eb.Cost) > scoreEpsilon {
		return ea.Cost < eb.Cost
	}
	if ea.Duration != eb.Duration {
		return ea.Duration < eb.Duration
	}
	return ea.ProviderID < eb.ProviderID
}

// Generator builds strategies.
type Generator struct {
	weights map[domain.OptimizationPriority]domain.OptimizationWeights
	newID   func() string
}

// Option configures a Generator.
type Option func(*Generator)

// WithIDFunc overrides strategy id generation.
func WithIDFunc(f func() string) Option {
	return func(g *Generator) { g.newID = f }
}

// NewGenerator creates a generator. Priorities missing from weights use the
// defaults.
func NewGenerator(weights map[domain.OptimizationPriority]domain.OptimizationWeights, opts ...Option) (*Generator, error) {
	merged := domain.DefaultWeights()
	for p, w := range weights {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("weights for %s: %w", p, err)
		}
		merged[p] = w
	}
	g := &Generator{weights: merged, newID: id.Generate}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Weights returns the weights used for a priority.
func (g *Generator) Weights(p domain.OptimizationPriority) domain.OptimizationWeights {
	return g.weights[p]
}

// Generate builds one strategy per priority, in priority order. It fails
// with a *domain.StepError wrapping ErrInfeasibleStrategy if any step has no
// estimates; no partial result is returned.
func (g *Generator) Generate(plan *domain.OptimizationPlan) ([]domain.Strategy, error) {
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan %s has no steps", domain.ErrInfeasibleStrategy, plan.ID)
	}
	normalized := make([][]Normalized, len(plan.Steps))
	for i, step := range plan.Steps {
		if len(step.Estimates) == 0 {
			return nil, &domain.StepError{
				StepNumber: step.Number,
				Capability: step.Capability,
				Err:        fmt.Errorf("%w: no estimates", domain.ErrInfeasibleStrategy),
			}
		}
		normalized[i] = Normalize(step.Estimates)
	}

	priorities := domain.Priorities()
	out := make([]domain.Strategy, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, g.build(plan, normalized, p))
	}
	return out, nil
}

func (g *Generator) build(plan *domain.OptimizationPlan, normalized [][]Normalized, p domain.OptimizationPriority) domain.Strategy {
	w := g.weights[p]
	s := domain.Strategy{
		ID:       g.newID(),
		Name:     p.DisplayName(),
		Priority: p,
		Weights:  w,
		Choices:  make([]domain.StrategyChoice, 0, len(plan.Steps)),
	}
	s.Metrics.Quality = math.Inf(1)

	var scoreSum float64
	for i, step := range plan.Steps {
		best := normalized[i][0]
		for _, cand := range normalized[i][1:] {
			if better(cand, best, w) {
				best = cand
			}
		}
		score := best.Score(w)
		scoreSum += score

		e := best.Estimate
		s.Choices = append(s.Choices, domain.StrategyChoice{
			StepNumber:   step.Number,
			Capability:   step.Capability,
			ProviderID:   e.ProviderID,
			ProviderName: providerName(step, e.ProviderID),
			ResponseID:   e.ResponseID,
			Score:        score,
		})
		s.Metrics.TotalCost += e.Cost
		s.Metrics.TotalDuration += e.Duration
		s.Metrics.TotalEmissions += e.EmissionsKgCO2
		s.Metrics.Quality = math.Min(s.Metrics.Quality, e.QualityScore)
	}
	s.Score = scoreSum / float64(len(plan.Steps))
	s.Description = describe(s)
	return s
}

func providerName(step domain.ProcessStep, providerID string) string {
	for _, c := range step.Candidates {
		if c.ProviderID == providerID {
			return c.Name
		}
	}
	return providerID
}

func describe(s domain.Strategy) string {
	return fmt.Sprintf("%s: %d steps, total cost %.2f, duration %s, minimum quality %.2f, emissions %.1f kg CO2",
		s.Name, len(s.Choices), s.Metrics.TotalCost, s.Metrics.TotalDuration.Round(time.Minute),
		s.Metrics.Quality, s.Metrics.TotalEmissions)
}
