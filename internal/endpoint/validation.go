package endpoint

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
)

const maxListLimit = 500

func validateSubmitPlanRequest(cmd *messaging.RequestOptimizationPlanCommand) error {
	if strings.TrimSpace(cmd.RequestID) == "" {
		return status.Error(codes.InvalidArgument, "requestId is required")
	}
	if err := cmd.Request.Validate(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func validateGetPlanRequest(req *GetPlanRequest) error {
	if req.RequestID == "" && req.PlanID == "" {
		return status.Error(codes.InvalidArgument, "requestId or planId is required")
	}
	return nil
}

func validateListPlansRequest(req *ListPlansRequest) error {
	if req.Limit < 0 || req.Offset < 0 {
		return status.Error(codes.InvalidArgument, "limit and offset must not be negative")
	}
	if req.Limit > maxListLimit {
		return status.Errorf(codes.InvalidArgument, "limit %d exceeds %d", req.Limit, maxListLimit)
	}
	return nil
}

func validateSelectStrategyRequest(cmd *messaging.SelectStrategyCommand) error {
	if cmd.RequestID == "" {
		return status.Error(codes.InvalidArgument, "requestId is required")
	}
	if cmd.SelectedStrategyID == "" {
		return status.Error(codes.InvalidArgument, "selectedStrategyId is required")
	}
	if cmd.CommandID == "" {
		return status.Error(codes.InvalidArgument, "commandId is required")
	}
	return nil
}
