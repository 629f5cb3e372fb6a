package service

import (
	"context"
	"errors"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
)

// onPlanRequest consumes RequestOptimizationPlanCommand. Rejected requests
// are answered with a PlanFailedEvent and never redelivered.
func (o *Orchestrator) onPlanRequest(ctx context.Context, _ string, env messaging.Envelope) error {
	cmd, err := messaging.Decode[messaging.RequestOptimizationPlanCommand](env, messaging.KindRequestOptimizationPlan)
	if err != nil {
		o.logger.Warn("dropping undecodable plan request", "message_id", env.MessageID, "error", err)
		return nil
	}

	_, err = o.Submit(ctx, cmd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrValidation):
		o.logger.WithRequest(cmd.RequestID).Warn("plan request rejected", "error", err)
		o.publish(ctx, messaging.SubjectPlanFailed, messaging.KindPlanFailed, cmd.RequestID, messaging.PlanFailedEvent{
			RequestID:  cmd.RequestID,
			LastStatus: domain.PlanStatusUnknown,
			Reason:     err.Error(),
			FailedAt:   o.now(),
		})
		return nil
	default:
		return err
	}
}

// onStrategySelect consumes SelectStrategyCommand. Rejections are final;
// only infrastructure errors ask for redelivery.
func (o *Orchestrator) onStrategySelect(ctx context.Context, _ string, env messaging.Envelope) error {
	cmd, err := messaging.Decode[messaging.SelectStrategyCommand](env, messaging.KindSelectStrategy)
	if err != nil {
		o.logger.Warn("dropping undecodable strategy selection", "message_id", env.MessageID, "error", err)
		return nil
	}

	_, err = o.SelectStrategy(ctx, cmd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSelectionRejected),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrOrchestrationFatal):
		o.logger.WithRequest(cmd.RequestID).Warn("strategy selection not applied", "command_id", cmd.CommandID, "error", err)
		return nil
	default:
		return err
	}
}
