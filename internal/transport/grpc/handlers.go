package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// invoke decodes in as Req, runs the endpoint and encodes its response.
func invoke[Req any](ctx context.Context, ep endpoint.Endpoint, in *structpb.Struct, prepare func(*Req)) (*structpb.Struct, error) {
	req := new(Req)
	if err := fromStruct(in, req); err != nil {
		return nil, err
	}
	if prepare != nil {
		prepare(req)
	}
	resp, err := ep(ctx, req)
	if err != nil {
		return nil, endpoint.MapErrorToStatus(err)
	}
	return toStruct(resp)
}

// SubmitPlan implements the SubmitPlan RPC.
func (s *Server) SubmitPlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return invoke(ctx, s.endpoints.SubmitPlan, in, func(cmd *messaging.RequestOptimizationPlanCommand) {
		if cmd.CommandID == "" {
			cmd.CommandID = id.Generate()
		}
	})
}

// GetPlan implements the GetPlan RPC.
func (s *Server) GetPlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return invoke[endpoint.GetPlanRequest](ctx, s.endpoints.GetPlan, in, nil)
}

// ListPlans implements the ListPlans RPC.
func (s *Server) ListPlans(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return invoke[endpoint.ListPlansRequest](ctx, s.endpoints.ListPlans, in, nil)
}

// SelectStrategy implements the SelectStrategy RPC. A command without an id
// gets one derived from its content; retries carry the same id.
func (s *Server) SelectStrategy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return invoke(ctx, s.endpoints.SelectStrategy, in, func(cmd *messaging.SelectStrategyCommand) {
		if cmd.CommandID == "" {
			var at string
			if !cmd.SelectedAt.IsZero() {
				at = cmd.SelectedAt.UTC().Format(time.RFC3339Nano)
			}
			cmd.CommandID = id.Derive("select", cmd.RequestID, cmd.SelectedStrategyID, at)
		}
	})
}

// CancelEstimation implements the CancelEstimation RPC.
func (s *Server) CancelEstimation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return invoke[endpoint.CancelEstimationRequest](ctx, s.endpoints.CancelEstimation, in, nil)
}

// watchRequest selects the request to follow; empty follows all.
type watchRequest struct {
	RequestID string `json:"requestId"`
}

// WatchPlan streams saga events. A stream for one request ends after its
// terminal event.
func (s *Server) WatchPlan(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.events == nil {
		return status.Error(codes.Unimplemented, "plan watching is not enabled")
	}
	var req watchRequest
	if err := fromStruct(in, &req); err != nil {
		return err
	}

	sub := s.events.Subscribe(req.RequestID)
	defer s.events.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Events:
			out, err := toStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
			if req.RequestID != "" && ev.Final() {
				return nil
			}
		}
	}
}
