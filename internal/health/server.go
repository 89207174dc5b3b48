package health

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "cardgrader.Relay"

// Server exposes the standard gRPC health protocol for the relay.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	logger     *zap.Logger
}

// NewServer builds a health server. The relay starts NOT_SERVING until
// SetReady is called.
func NewServer(logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		health:     grpchealth.NewServer(),
		logger:     logger.Named("health"),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetReady(false)
	return s
}

// SetReady reports SERVING when the relay holds a credential and
// NOT_SERVING otherwise.
func (s *Server) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Info("health status updated", zap.String("status", status.String()))
}

// Serve blocks serving on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
