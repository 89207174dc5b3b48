package grpcclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/card-grader/internal/health"
	"github.com/example/card-grader/internal/logging"
)

func startHealthServer(t *testing.T) (*health.Server, *bufconn.Listener) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := health.NewServer(zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return srv, lis
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *HealthClient {
	t.Helper()

	client, err := DialRelayHealth(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHealthFollowsReadiness(t *testing.T) {
	srv, lis := startHealthServer(t)
	client := dialBufconn(t, lis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := client.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)

	srv.SetReady(true)
	got, err = client.Check(ctx, health.ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)

	got, err = client.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)
}

func TestHealthUnknownService(t *testing.T) {
	_, lis := startHealthServer(t)
	client := dialBufconn(t, lis)

	_, err := client.Check(context.Background(), "other.Service")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(unwrapOperation(err)))
	assert.Equal(t, "grpcclient.health_check", logging.OperationOf(err))
}

func TestDialFailureIsOperationError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := DialRelayHealth(ctx, "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, context.DeadlineExceeded
		}),
	)
	require.Error(t, err)
	assert.Equal(t, "grpcclient.dial_relay_health", logging.OperationOf(err))
}

func unwrapOperation(err error) error {
	if opErr, ok := err.(*logging.OperationError); ok {
		return opErr.Err
	}
	return err
}
