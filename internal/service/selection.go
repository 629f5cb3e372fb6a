package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/scheduler"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

// SelectStrategy applies the customer's choice and commits provider slots.
//
// A command id that was already applied returns the plan unchanged. An
// unknown strategy returns ErrSelectionRejected and a plan that is not
// awaiting selection returns ErrInvalidState; neither mutates the plan. A
// scheduling conflict fails the plan and returns a *domain.FatalError
// wrapping the conflict.
func (o *Orchestrator) SelectStrategy(ctx context.Context, cmd messaging.SelectStrategyCommand) (plan *domain.OptimizationPlan, err error) {
	ctx, span := o.startSpan(ctx, "SelectStrategy", cmd.RequestID)
	defer func() { endSpan(span, err) }()
	defer o.metrics.SelectDuration().Since(time.Now())

	if strings.TrimSpace(cmd.RequestID) == "" {
		return nil, fmt.Errorf("%w: requestId is required", domain.ErrInvalidArgument)
	}

	unlock := o.locks.Lock(cmd.RequestID)
	defer unlock()

	plan, err = o.load(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if plan.HasApplied(cmd.CommandID) {
		o.logger.WithRequest(cmd.RequestID).Info("duplicate selection ignored", "command_id", cmd.CommandID)
		return plan, nil
	}
	if plan.Status() != domain.PlanStatusAwaitingStrategySelection {
		return nil, fmt.Errorf("%w: plan for request %s is %s, not awaiting a selection",
			domain.ErrInvalidState, cmd.RequestID, plan.Status())
	}
	chosen, ok := plan.Strategy(cmd.SelectedStrategyID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q for request %s",
			domain.ErrSelectionRejected, cmd.SelectedStrategyID, cmd.RequestID)
	}
	if err := plan.ValidateStrategy(chosen); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSelectionRejected, err)
	}

	o.stopSelectionTimer(cmd.RequestID)
	plan.SelectedStrategyID = chosen.ID
	plan.MarkApplied(cmd.CommandID)
	if err := o.transition(plan, domain.PlanStatusStrategySelected, chosen.Name); err != nil {
		return nil, err
	}
	if err := o.save(ctx, plan); err != nil {
		return nil, err
	}

	if err := o.schedule(ctx, plan, chosen); err != nil {
		return plan, err
	}

	if err := o.transition(plan, domain.PlanStatusConfirmed, ""); err != nil {
		return nil, err
	}
	o.release(plan.RequestID)
	if err := o.save(ctx, plan); err != nil {
		return nil, err
	}
	o.publish(ctx, messaging.SubjectPlanCreated, messaging.KindPlanCreated, plan.RequestID,
		messaging.OptimizationPlanCreatedEvent{Plan: plan.Snapshot()})
	return plan, nil
}

// schedule commits one slot per chosen step, back to back, starting after
// the lead time. On failure it fails the plan, releasing the slots already
// committed when compensation is enabled.
func (o *Orchestrator) schedule(ctx context.Context, plan *domain.OptimizationPlan, chosen *domain.Strategy) error {
	start := o.now().Add(o.settings.SchedulingLeadTime)
	policy := o.deps.Scheduler.Policy()

	for _, choice := range chosen.Choices {
		step, _ := plan.Step(choice.StepNumber)
		est, ok := step.Estimate(choice.ProviderID)
		if !ok || est.Duration <= 0 {
			err := fmt.Errorf("%w: step %d has no usable estimate from %s",
				domain.ErrInvalidArgument, choice.StepNumber, choice.ProviderID)
			return o.failScheduling(ctx, plan, err)
		}
		end := start.Add(policy.Span(est.Duration))
		slot, err := o.deps.Scheduler.Allocate(ctx, choice.ProviderID, start, end, est.Duration,
			scheduler.AllocationRequest{RequestID: plan.RequestID, StepNumber: choice.StepNumber})
		if err != nil {
			return o.failScheduling(ctx, plan, &domain.StepError{
				StepNumber: choice.StepNumber,
				Capability: choice.Capability,
				Err:        err,
			})
		}
		plan.Slots = append(plan.Slots, *slot)
		start = end
	}
	return nil
}

func (o *Orchestrator) failScheduling(ctx context.Context, plan *domain.OptimizationPlan, cause error) error {
	reason := "scheduling failed: " + cause.Error()
	if o.settings.CompensateOnFailure {
		if err := o.compensate(ctx, plan); err != nil {
			o.logger.WithRequest(plan.RequestID).Error("compensation incomplete", "error", err)
		}
	}
	return o.fail(ctx, plan, cause, reason)
}

// compensate releases every slot recorded on plan. Slots that are already
// gone are skipped; the rest stay on the plan when they cannot be released.
func (o *Orchestrator) compensate(ctx context.Context, plan *domain.OptimizationPlan) error {
	var (
		kept []domain.AllocatedSlot
		errs []error
	)
	for _, slot := range plan.Slots {
		err := o.deps.Scheduler.Release(ctx, slot.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			kept = append(kept, slot)
			errs = append(errs, err)
		}
	}
	released := len(plan.Slots) - len(kept)
	plan.Slots = kept
	if released > 0 {
		o.logger.WithRequest(plan.RequestID).Info("slots released", "count", released)
	}
	return errors.Join(errs...)
}

// ReleaseSlots is the explicit compensation for a failed plan: it releases
// the slots the plan still holds.
func (o *Orchestrator) ReleaseSlots(ctx context.Context, requestID string) (err error) {
	ctx, span := o.startSpan(ctx, "ReleaseSlots", requestID)
	defer func() { endSpan(span, err) }()

	unlock := o.locks.Lock(requestID)
	defer unlock()

	plan, err := o.load(ctx, requestID)
	if err != nil {
		return err
	}
	if plan.Status() != domain.PlanStatusFailed {
		return fmt.Errorf("%w: slots of a %s plan cannot be released", domain.ErrInvalidState, plan.Status())
	}
	if len(plan.Slots) == 0 {
		return nil
	}
	cerr := o.compensate(ctx, plan)
	if err := o.save(ctx, plan); err != nil {
		return errors.Join(cerr, err)
	}
	return cerr
}

// armSelectionTimer fails the plan if no selection arrives within d.
func (o *Orchestrator) armSelectionTimer(requestID string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	h := o.handles(requestID)
	if h.selectionTimer != nil && h.selectionTimer.Stop() {
		o.metrics.SelectionTimers().Dec()
	}
	o.metrics.SelectionTimers().Inc()
	h.selectionTimer = time.AfterFunc(d, func() {
		o.metrics.SelectionTimers().Dec()
		o.background(func() { o.expireSelection(requestID, d) })
	})
}

func (o *Orchestrator) stopSelectionTimer(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.sagas[requestID]
	if !ok || h.selectionTimer == nil {
		return
	}
	if h.selectionTimer.Stop() {
		o.metrics.SelectionTimers().Dec()
	}
	h.selectionTimer = nil
}

func (o *Orchestrator) expireSelection(requestID string, after time.Duration) {
	ctx, span := o.startSpan(context.WithoutCancel(o.ctx), "ExpireSelection", requestID)
	defer span.End()

	unlock := o.locks.Lock(requestID)
	defer unlock()

	plan, err := o.load(ctx, requestID)
	if err != nil {
		o.logger.WithRequest(requestID).Error("selection timer could not load plan", "error", err)
		return
	}
	if plan.Status() != domain.PlanStatusAwaitingStrategySelection {
		return
	}
	reason := fmt.Sprintf("no strategy selected within %s", after)
	if err := o.fail(ctx, plan, nil, reason); err != nil && !errors.Is(err, domain.ErrOrchestrationFatal) {
		o.logger.WithRequest(requestID).Error("failing expired plan", "error", err)
	}
}

// Recover restores in-memory saga state after a restart. Plans awaiting a
// selection get their timer back with the remaining time. Plans interrupted
// in any other active status are failed, releasing slots committed for a
// selection that never confirmed.
func (o *Orchestrator) Recover(ctx context.Context) (err error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Recover")
	defer func() { endSpan(span, err) }()

	active := make([]domain.PlanStatus, 0, len(domain.AllPlanStatuses()))
	for _, s := range domain.AllPlanStatuses() {
		if !s.IsTerminal() {
			active = append(active, s)
		}
	}
	plans, err := o.ListPlans(ctx, storage.ListOptions{Statuses: active})
	if err != nil {
		return err
	}

	var errs []error
	rearmed, failed := 0, 0
	for _, p := range plans {
		o.metrics.ActiveSagas().Inc()
		switch p.Status() {
		case domain.PlanStatusAwaitingStrategySelection:
			o.armSelectionTimer(p.RequestID, o.remainingSelection(p))
			rearmed++
		default:
			if err := o.recoverInterrupted(ctx, p.RequestID); err != nil {
				errs = append(errs, err)
				continue
			}
			failed++
		}
	}
	o.logger.Info("recovery finished", "plans", len(plans), "rearmed", rearmed, "failed", failed)
	return errors.Join(errs...)
}

func (o *Orchestrator) recoverInterrupted(ctx context.Context, requestID string) error {
	unlock := o.locks.Lock(requestID)
	defer unlock()

	plan, err := o.load(ctx, requestID)
	if err != nil {
		return err
	}
	if plan.Status().IsTerminal() {
		return nil
	}
	if plan.Status() == domain.PlanStatusStrategySelected && o.settings.CompensateOnFailure {
		if err := o.compensate(ctx, plan); err != nil {
			o.logger.WithRequest(requestID).Error("compensation incomplete", "error", err)
		}
	}
	err = o.fail(ctx, plan, nil, fmt.Sprintf("interrupted by restart while %s", plan.Status()))
	if errors.Is(err, domain.ErrOrchestrationFatal) {
		return nil
	}
	return err
}

// remainingSelection is the time left on a plan's selection window.
func (o *Orchestrator) remainingSelection(p *domain.OptimizationPlan) time.Duration {
	entered := p.UpdatedAt
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].To == domain.PlanStatusAwaitingStrategySelection {
			entered = p.History[i].At
			break
		}
	}
	left := o.SelectionTimeout() - time.Since(entered)
	if left < 0 {
		return 0
	}
	return left
}
