package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mfgopt.v1.OptimizationService"

// Method names of the optimization service.
const (
	MethodSubmitPlan       = "SubmitPlan"
	MethodGetPlan          = "GetPlan"
	MethodListPlans        = "ListPlans"
	MethodSelectStrategy   = "SelectStrategy"
	MethodCancelEstimation = "CancelEstimation"
	MethodWatchPlan        = "WatchPlan"
)

// fullMethod returns the wire path of a method.
func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// OptimizationServiceServer is the server API. Every payload is a
// google.protobuf.Struct holding the JSON form of the request or response.
type OptimizationServiceServer interface {
	SubmitPlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPlans(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectStrategy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelEstimation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchPlan(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(OptimizationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(OptimizationServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*structpb.Struct))
		})
	}
}

func watchPlanHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OptimizationServiceServer).WatchPlan(in, stream)
}

// ServiceDesc describes the optimization service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OptimizationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSubmitPlan, Handler: unaryHandler(MethodSubmitPlan, OptimizationServiceServer.SubmitPlan)},
		{MethodName: MethodGetPlan, Handler: unaryHandler(MethodGetPlan, OptimizationServiceServer.GetPlan)},
		{MethodName: MethodListPlans, Handler: unaryHandler(MethodListPlans, OptimizationServiceServer.ListPlans)},
		{MethodName: MethodSelectStrategy, Handler: unaryHandler(MethodSelectStrategy, OptimizationServiceServer.SelectStrategy)},
		{MethodName: MethodCancelEstimation, Handler: unaryHandler(MethodCancelEstimation, OptimizationServiceServer.CancelEstimation)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: MethodWatchPlan, Handler: watchPlanHandler, ServerStreams: true},
	},
	Metadata: "mfgopt/v1/optimization.proto",
}

// toStruct converts a JSON-serializable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

// fromStruct decodes a Struct into v. Malformed payloads are the caller's
// fault.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding payload: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding payload: %v", err)
	}
	return nil
}
