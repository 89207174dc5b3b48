package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/card-grader/internal/logging"
)

// HealthClient queries a relay's gRPC health endpoint.
type HealthClient struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	logger *zap.Logger
}

// DialRelayHealth returns a ready-to-use health client for the relay at addr.
func DialRelayHealth(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*HealthClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_relay_health", "", err)
		logger.Error("failed to dial relay health", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &HealthClient{conn: conn, client: healthpb.NewHealthClient(conn), logger: logger}, nil
}

// Check returns the serving status of service ("" for the whole relay).
func (h *HealthClient) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.health_check", "", err)
		h.logger.Error("relay health check failed", zap.Error(wrapped), zap.String("service", service))
		return healthpb.HealthCheckResponse_UNKNOWN, wrapped
	}
	return resp.GetStatus(), nil
}

// Close releases the connection.
func (h *HealthClient) Close() error {
	return h.conn.Close()
}
