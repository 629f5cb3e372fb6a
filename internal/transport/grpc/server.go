package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/endpoint"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
)

// Server is the gRPC server for the optimization service.
type Server struct {
	endpoints  endpoint.Endpoints
	events     *EventBroadcaster
	logger     *logging.Logger
	grpcServer *grpc.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithEventBroadcaster enables WatchPlan.
func WithEventBroadcaster(b *EventBroadcaster) ServerOption {
	return func(s *Server) {
		s.events = b
	}
}

// NewServer creates a new gRPC server.
func NewServer(endpoints endpoint.Endpoints, opts ...ServerOption) *Server {
	s := &Server{
		endpoints: endpoints,
		logger:    logging.NopLogger(),
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("grpc")

	// Create gRPC server with interceptors
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(s.logger),
			RecoveryInterceptor(s.logger),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(s.logger),
		),
	)

	s.grpcServer.RegisterService(&ServiceDesc, s)

	// Enable reflection for grpcurl and other tools
	reflection.Register(s.grpcServer)

	return s
}

// Serve accepts connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// ListenAndServe starts the gRPC server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// LoggingInterceptor returns a gRPC interceptor that logs requests and their duration.
func LoggingInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		log := logger
		if rid := extractRequestID(req); rid != "" {
			log = log.WithRequest(rid)
		}
		if err != nil {
			log.Warn("gRPC call failed",
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"duration", time.Since(start),
				"error", err)
			return resp, err
		}
		log.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
		return resp, nil
	}
}

// StreamLoggingInterceptor logs stream lifetimes.
func StreamLoggingInterceptor(logger *logging.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Debug("gRPC stream closed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		return err
	}
}

func extractRequestID(req any) string {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	if v, ok := s.GetFields()["requestId"]; ok {
		return v.GetStringValue()
	}
	return ""
}

// RecoveryInterceptor returns a gRPC interceptor that recovers from panics.
func RecoveryInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
