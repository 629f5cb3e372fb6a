package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/estimate"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/matching"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// Submit starts the saga for a request and returns the plan id.
//
// A malformed request returns ErrValidation and nothing is persisted. Every
// later failure (no template, a step without providers) is recorded on the
// plan, which is returned in Failed; Submit itself does not fail for it.
// Submitting the same request id again returns the existing plan id; a plan
// still in Draft, left by an attempt that failed to save, is resumed.
func (o *Orchestrator) Submit(ctx context.Context, cmd messaging.RequestOptimizationPlanCommand) (planID string, err error) {
	ctx, span := o.startSpan(ctx, "Submit", cmd.RequestID)
	defer func() { endSpan(span, err) }()
	defer o.metrics.SubmitDuration().Since(time.Now())

	if strings.TrimSpace(cmd.RequestID) == "" {
		return "", fmt.Errorf("%w: requestId is required", domain.ErrValidation)
	}
	if err := cmd.Request.Validate(); err != nil {
		return "", err
	}

	unlock := o.locks.Lock(cmd.RequestID)
	defer unlock()

	plan := domain.NewOptimizationPlan(id.Generate(), cmd.RequestID, cmd.Request)
	plan.MarkApplied(cmd.CommandID)
	var existing *domain.OptimizationPlan
	err = storage.InTx(ctx, o.deps.Storage, func(uow storage.UnitOfWork) error {
		found, err := uow.Plans().GetByRequestID(ctx, cmd.RequestID)
		switch {
		case err == nil:
			existing = found
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		return uow.Plans().Create(ctx, plan)
	})
	if err != nil {
		return "", fmt.Errorf("creating plan for request %s: %w", cmd.RequestID, err)
	}
	switch {
	case existing == nil:
		o.metrics.ActiveSagas().Inc()
		o.logger.WithRequest(cmd.RequestID).Info("plan created", "plan_id", plan.ID, "customer_id", cmd.Request.CustomerID)
	case existing.Status() == domain.PlanStatusDraft:
		// An earlier attempt stored the plan but failed before saving its
		// progress. Submit holds the request lock for the whole of prepare,
		// so a Draft seen here is not being worked on.
		o.logger.WithRequest(cmd.RequestID).Info("resuming plan left in draft", "plan_id", existing.ID, "command_id", cmd.CommandID)
		plan = existing
	default:
		o.logger.WithRequest(cmd.RequestID).Info("duplicate plan request ignored", "plan_id", existing.ID, "command_id", cmd.CommandID)
		return existing.ID, nil
	}

	if err := o.prepare(ctx, plan); err != nil {
		if errors.Is(err, domain.ErrOrchestrationFatal) {
			return plan.ID, nil
		}
		return plan.ID, err
	}
	o.startEstimation(plan)
	return plan.ID, nil
}

// prepare resolves the workflow and matches providers, leaving the plan in
// EstimatingCosts, or fails it.
func (o *Orchestrator) prepare(ctx context.Context, plan *domain.OptimizationPlan) error {
	if err := o.transition(plan, domain.PlanStatusMatchingWorkflow, ""); err != nil {
		return err
	}
	wt, steps, err := o.deps.Resolver.Resolve(plan.Request)
	if err != nil {
		return o.fail(ctx, plan, err, err.Error())
	}
	plan.WorkflowType = wt
	plan.Steps = steps

	if err := o.transition(plan, domain.PlanStatusMatchingProviders, ""); err != nil {
		return err
	}
	snapshot, err := o.deps.Directory.GetAll(ctx)
	if err != nil {
		return o.fail(ctx, plan, err, fmt.Sprintf("reading provider directory: %v", err))
	}
	matched, err := matching.MatchAll(plan.Steps, snapshot, plan.Request.Motor)
	plan.Steps = matched
	if err != nil {
		return o.fail(ctx, plan, err, err.Error())
	}

	if err := o.transition(plan, domain.PlanStatusEstimatingCosts, ""); err != nil {
		return err
	}
	return o.save(ctx, plan)
}

// startEstimation collects estimates for every step in the background. Each
// step reports through HandleEstimateCollected as soon as it resolves.
func (o *Orchestrator) startEstimation(plan *domain.OptimizationPlan) {
	reqs := make([]estimate.StepRequest, len(plan.Steps))
	for i, s := range plan.Steps {
		reqs[i] = estimate.StepRequest{
			Step: messaging.StepContext{
				RequestID:  plan.RequestID,
				StepNumber: s.Number,
				Capability: s.Capability,
				Activity:   s.Activity,
				Motor:      plan.Request.Motor,
				Deadline:   plan.Request.Constraints.Deadline,
			},
			Providers: append([]domain.MatchedProvider(nil), s.Candidates...),
		}
	}

	ctx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.handles(plan.RequestID).cancelEstimation = cancel
	o.mu.Unlock()

	requestID := plan.RequestID
	// Results are persisted even when the collection was cancelled by
	// shutdown.
	handleCtx := context.WithoutCancel(ctx)
	started := o.background(func() {
		defer cancel()
		_ = o.deps.Aggregator.CollectAll(ctx, reqs, o.settings.EstimationTimeout, func(res estimate.CollectionResult) {
			if err := o.HandleEstimateCollected(handleCtx, requestID, res.StepNumber, res); err != nil &&
				!errors.Is(err, domain.ErrOrchestrationFatal) {
				o.logger.WithRequest(requestID).WithStep(res.StepNumber).Error("recording estimates failed", "error", err)
			}
		})
	})
	if !started {
		cancel()
		o.logger.WithRequest(requestID).Warn("orchestrator is shutting down, estimation left for recovery")
	}
}

// HandleEstimateCollected records how collection ended for one step. Once
// every step has reported it generates strategies and waits for the
// customer, or fails the plan.
//
// Results for plans no longer collecting, or for steps that already
// reported, are ignored.
func (o *Orchestrator) HandleEstimateCollected(ctx context.Context, requestID string, stepNumber int, res estimate.CollectionResult) (err error) {
	ctx, span := o.startSpan(ctx, "HandleEstimateCollected", requestID)
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(requestID)
	defer unlock()

	plan, err := o.load(ctx, requestID)
	if err != nil {
		return err
	}
	log := o.logger.WithRequest(requestID).WithStep(stepNumber)
	if plan.Status() != domain.PlanStatusEstimatingCosts {
		log.Warn("estimates arrived after collection ended", "status", plan.Status().String())
		return nil
	}
	step, ok := plan.Step(stepNumber)
	if !ok {
		return fmt.Errorf("%w: plan %s has no step %d", domain.ErrInvalidArgument, plan.ID, stepNumber)
	}
	if step.Collection.Reported {
		log.Debug("step already reported")
		return nil
	}

	step.Estimates = make([]domain.ProcessEstimate, 0, len(res.Estimates))
	for _, e := range res.Estimates {
		// Only matched providers may contribute.
		if step.HasCandidate(e.ProviderID) {
			step.Estimates = append(step.Estimates, e)
		}
	}
	step.Collection = domain.StepCollection{
		Reported:  true,
		TimedOut:  res.TimedOut,
		Cancelled: res.Cancelled,
	}
	if len(res.SendFailures) > 0 {
		step.Collection.Failure = "proposal not delivered to " + strings.Join(res.SendFailures, ", ")
	}
	log.Info("step estimates recorded",
		"received", len(step.Estimates),
		"candidates", len(step.Candidates),
		"outcome", res.Outcome())

	if !plan.AllStepsReported() {
		return o.save(ctx, plan)
	}

	o.mu.Lock()
	if h, ok := o.sagas[requestID]; ok {
		h.cancelEstimation = nil
	}
	o.mu.Unlock()
	return o.generate(ctx, plan)
}

// generate scores the collected estimates and arms the selection timer.
func (o *Orchestrator) generate(ctx context.Context, plan *domain.OptimizationPlan) error {
	received := 0
	for _, s := range plan.Steps {
		received += len(s.Estimates)
	}
	if received == 0 {
		return o.fail(ctx, plan, domain.ErrEstimationTimeout, "no provider returned an estimate for any step")
	}

	if err := o.transition(plan, domain.PlanStatusGeneratingStrategies, ""); err != nil {
		return err
	}
	strategies, err := o.deps.Generator.Generate(plan)
	if err != nil {
		return o.fail(ctx, plan, err, err.Error())
	}
	for i := range strategies {
		if err := plan.ValidateStrategy(&strategies[i]); err != nil {
			return o.fail(ctx, plan, err, err.Error())
		}
	}
	plan.Strategies = strategies

	if err := o.transition(plan, domain.PlanStatusAwaitingStrategySelection, ""); err != nil {
		return err
	}
	if err := o.save(ctx, plan); err != nil {
		return err
	}
	o.armSelectionTimer(plan.RequestID, o.SelectionTimeout())
	o.publish(ctx, messaging.SubjectStrategiesReady, messaging.KindStrategiesReady, plan.RequestID, messaging.StrategiesReadyEvent{
		RequestID:  plan.RequestID,
		PlanID:     plan.ID,
		Strategies: plan.Strategies,
	})
	return nil
}

// CancelEstimation stops waiting for estimates of a request. Steps resolve
// with the estimates received so far and the saga continues from there.
func (o *Orchestrator) CancelEstimation(requestID string) error {
	o.mu.Lock()
	var cancel func()
	if h, ok := o.sagas[requestID]; ok {
		cancel = h.cancelEstimation
	}
	o.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("%w: no estimation in flight for request %s", domain.ErrInvalidState, requestID)
	}
	cancel()
	o.logger.WithRequest(requestID).Info("estimation cancelled")
	return nil
}
