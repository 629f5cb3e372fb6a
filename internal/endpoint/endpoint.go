package endpoint

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

// Service is the part of the orchestrator exposed to clients.
type Service interface {
	Submit(ctx context.Context, cmd messaging.RequestOptimizationPlanCommand) (string, error)
	GetPlan(ctx context.Context, planID string) (*domain.OptimizationPlan, error)
	GetPlanByRequest(ctx context.Context, requestID string) (*domain.OptimizationPlan, error)
	ListPlans(ctx context.Context, opts storage.ListOptions) ([]*domain.OptimizationPlan, error)
	SelectStrategy(ctx context.Context, cmd messaging.SelectStrategyCommand) (*domain.OptimizationPlan, error)
	CancelEstimation(requestID string) error
}

// Endpoint is a function that takes a request and returns a response.
type Endpoint func(ctx context.Context, request any) (response any, err error)

// Endpoints holds all endpoint handlers.
type Endpoints struct {
	SubmitPlan       Endpoint
	GetPlan          Endpoint
	ListPlans        Endpoint
	SelectStrategy   Endpoint
	CancelEstimation Endpoint
}

// SubmitPlanResponse identifies the plan created for a request.
type SubmitPlanResponse struct {
	PlanID    string            `json:"planId"`
	RequestID string            `json:"requestId"`
	Status    domain.PlanStatus `json:"status"`
}

// GetPlanRequest looks a plan up by request id or plan id.
type GetPlanRequest struct {
	RequestID string `json:"requestId,omitempty"`
	PlanID    string `json:"planId,omitempty"`
}

// ListPlansRequest filters plans.
type ListPlansRequest struct {
	Statuses   []domain.PlanStatus `json:"statuses,omitempty"`
	CustomerID string              `json:"customerId,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
	Offset     int                 `json:"offset,omitempty"`
}

// ListPlansResponse carries plan snapshots.
type ListPlansResponse struct {
	Plans []domain.PlanSnapshot `json:"plans"`
}

// CancelEstimationRequest names the request to stop waiting for.
type CancelEstimationRequest struct {
	RequestID string `json:"requestId"`
}

// CancelEstimationResponse is empty on success.
type CancelEstimationResponse struct{}

// MakeEndpoints creates all endpoints from the service.
func MakeEndpoints(svc Service) Endpoints {
	return Endpoints{
		SubmitPlan:       makeSubmitPlanEndpoint(svc),
		GetPlan:          makeGetPlanEndpoint(svc),
		ListPlans:        makeListPlansEndpoint(svc),
		SelectStrategy:   makeSelectStrategyEndpoint(svc),
		CancelEstimation: makeCancelEstimationEndpoint(svc),
	}
}

func makeSubmitPlanEndpoint(svc Service) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		cmd := request.(*messaging.RequestOptimizationPlanCommand)
		if err := validateSubmitPlanRequest(cmd); err != nil {
			return nil, err
		}
		planID, err := svc.Submit(ctx, *cmd)
		if err != nil {
			return nil, err
		}
		// Submit records failures on the plan; report where it ended up.
		plan, err := svc.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		return &SubmitPlanResponse{PlanID: planID, RequestID: cmd.RequestID, Status: plan.Status()}, nil
	}
}

func makeGetPlanEndpoint(svc Service) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*GetPlanRequest)
		if err := validateGetPlanRequest(req); err != nil {
			return nil, err
		}
		var (
			plan *domain.OptimizationPlan
			err  error
		)
		if req.PlanID != "" {
			plan, err = svc.GetPlan(ctx, req.PlanID)
		} else {
			plan, err = svc.GetPlanByRequest(ctx, req.RequestID)
		}
		if err != nil {
			return nil, err
		}
		snap := plan.Snapshot()
		return &snap, nil
	}
}

func makeListPlansEndpoint(svc Service) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*ListPlansRequest)
		if err := validateListPlansRequest(req); err != nil {
			return nil, err
		}
		plans, err := svc.ListPlans(ctx, storage.ListOptions{
			Statuses:   req.Statuses,
			CustomerID: req.CustomerID,
			Limit:      req.Limit,
			Offset:     req.Offset,
		})
		if err != nil {
			return nil, err
		}
		resp := &ListPlansResponse{Plans: make([]domain.PlanSnapshot, 0, len(plans))}
		for _, p := range plans {
			resp.Plans = append(resp.Plans, p.Snapshot())
		}
		return resp, nil
	}
}

func makeSelectStrategyEndpoint(svc Service) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		cmd := request.(*messaging.SelectStrategyCommand)
		if err := validateSelectStrategyRequest(cmd); err != nil {
			return nil, err
		}
		plan, err := svc.SelectStrategy(ctx, *cmd)
		if err != nil {
			return nil, err
		}
		snap := plan.Snapshot()
		return &snap, nil
	}
}

func makeCancelEstimationEndpoint(svc Service) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*CancelEstimationRequest)
		if req.RequestID == "" {
			return nil, status.Error(codes.InvalidArgument, "requestId is required")
		}
		if err := svc.CancelEstimation(req.RequestID); err != nil {
			return nil, err
		}
		return &CancelEstimationResponse{}, nil
	}
}

// MapErrorToStatus maps domain errors to gRPC status codes.
func MapErrorToStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrTemplateResolution),
		errors.Is(err, domain.ErrSelectionRejected):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrConcurrentModify),
		errors.Is(err, domain.ErrSchedulingConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrOrchestrationFatal):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrEstimationTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
