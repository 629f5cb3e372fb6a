package grpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
)

// Client calls the optimization service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// SubmitPlan starts a saga.
func (c *Client) SubmitPlan(ctx context.Context, cmd messaging.RequestOptimizationPlanCommand) (*endpoint.SubmitPlanResponse, error) {
	var resp endpoint.SubmitPlanResponse
	if err := c.call(ctx, MethodSubmitPlan, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPlan reads a plan by request id or plan id.
func (c *Client) GetPlan(ctx context.Context, req endpoint.GetPlanRequest) (*domain.PlanSnapshot, error) {
	var plan domain.PlanSnapshot
	if err := c.call(ctx, MethodGetPlan, req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlans lists plans matching the filter.
func (c *Client) ListPlans(ctx context.Context, req endpoint.ListPlansRequest) ([]domain.PlanSnapshot, error) {
	var resp endpoint.ListPlansResponse
	if err := c.call(ctx, MethodListPlans, req, &resp); err != nil {
		return nil, err
	}
	return resp.Plans, nil
}

// SelectStrategy applies a strategy choice.
func (c *Client) SelectStrategy(ctx context.Context, cmd messaging.SelectStrategyCommand) (*domain.PlanSnapshot, error) {
	var plan domain.PlanSnapshot
	if err := c.call(ctx, MethodSelectStrategy, cmd, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// CancelEstimation stops waiting for estimates of a request.
func (c *Client) CancelEstimation(ctx context.Context, requestID string) error {
	return c.call(ctx, MethodCancelEstimation, endpoint.CancelEstimationRequest{RequestID: requestID}, nil)
}

// WatchPlan calls fn for every event of a request until the stream ends,
// fn returns an error or ctx is done. An empty requestID follows all plans.
func (c *Client) WatchPlan(ctx context.Context, requestID string, fn func(PlanEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(MethodWatchPlan))
	if err != nil {
		return err
	}
	in, err := toStruct(watchRequest{RequestID: requestID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev PlanEvent
		if err := fromStruct(out, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
