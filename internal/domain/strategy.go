package domain

import (
	"fmt"
	"math"
	"time"
)

// OptimizationPriority labels a weighting the customer can choose from.
type OptimizationPriority string

const (
	PriorityLowestCost      OptimizationPriority = "LowestCost"
	PriorityFastestDelivery OptimizationPriority = "FastestDelivery"
	PriorityHighestQuality  OptimizationPriority = "HighestQuality"
	PriorityLowestEmissions OptimizationPriority = "LowestEmissions"
)

// Priorities lists every priority in the order strategies are emitted.
func Priorities() []OptimizationPriority {
	return []OptimizationPriority{
		PriorityLowestCost,
		PriorityFastestDelivery,
		PriorityHighestQuality,
		PriorityLowestEmissions,
	}
}

// DisplayName is the customer-facing strategy name.
func (p OptimizationPriority) DisplayName() string {
	switch p {
	case PriorityLowestCost:
		return "Lowest Cost"
	case PriorityFastestDelivery:
		return "Fastest Delivery"
	case PriorityHighestQuality:
		return "Highest Quality"
	case PriorityLowestEmissions:
		return "Lowest Emissions"
	default:
		return string(p)
	}
}

// OptimizationWeights scores the four objectives.
type OptimizationWeights struct {
	Cost      float64 `json:"cost" mapstructure:"cost"`
	Time      float64 `json:"time" mapstructure:"time"`
	Quality   float64 `json:"quality" mapstructure:"quality"`
	Emissions float64 `json:"emissions" mapstructure:"emissions"`
}

const weightSumTolerance = 1e-6

// Validate checks weights are non-negative and sum to 1.
func (w OptimizationWeights) Validate() error {
	if w.Cost < 0 || w.Time < 0 || w.Quality < 0 || w.Emissions < 0 {
		return fmt.Errorf("%w: weights must be non-negative: %+v", ErrInvalidArgument, w)
	}
	sum := w.Cost + w.Time + w.Quality + w.Emissions
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%w: weights must sum to 1, got %g", ErrInvalidArgument, sum)
	}
	return nil
}

// DefaultWeights returns the built-in weighting for each priority.
// LowestCost weighs cost alone so that its plan is never beaten on total cost.
func DefaultWeights() map[OptimizationPriority]OptimizationWeights {
	return map[OptimizationPriority]OptimizationWeights{
		PriorityLowestCost:      {Cost: 1},
		PriorityFastestDelivery: {Cost: 0.1, Time: 0.7, Quality: 0.1, Emissions: 0.1},
		PriorityHighestQuality:  {Cost: 0.1, Time: 0.1, Quality: 0.7, Emissions: 0.1},
		PriorityLowestEmissions: {Cost: 0.1, Time: 0.1, Quality: 0.1, Emissions: 0.7},
	}
}

// StrategyChoice is the provider picked for one step.
type StrategyChoice struct {
	StepNumber   int        `json:"stepNumber"`
	Capability   Capability `json:"capability"`
	ProviderID   string     `json:"providerId"`
	ProviderName string     `json:"providerName"`
	ResponseID   string     `json:"responseId"`
	Score        float64    `json:"score"`
}

// StrategyMetrics aggregates the chosen estimates.
type StrategyMetrics struct {
	TotalCost      float64       `json:"totalCost"`
	TotalDuration  time.Duration `json:"totalDuration"`
	Quality        float64       `json:"quality"`
	TotalEmissions float64       `json:"totalEmissions"`
}

// Strategy is a candidate plan: one provider per step.
type Strategy struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Priority    OptimizationPriority `json:"priority"`
	Description string               `json:"description"`
	Weights     OptimizationWeights  `json:"weights"`
	Choices     []StrategyChoice     `json:"choices"`
	Metrics     StrategyMetrics      `json:"metrics"`
	Score       float64              `json:"score"`
}
