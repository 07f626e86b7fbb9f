// ABOUTME: Optional gRPC health service reporting the gateway and each provider
// ABOUTME: Also provides the client-side check used by the CLI

package gateway

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/toolgate/internal/supervisor"
)

// ProviderService is the health service name for one provider. The empty
// service name reports the gateway as a whole.
func ProviderService(providerID string) string {
	return "toolgate.provider." + providerID
}

func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func servingStatus(s supervisor.State) healthpb.HealthCheckResponse_ServingStatus {
	if s.Serving() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// updateOverallHealth sets the empty service name from the aggregate status.
// Only a fully stopped gateway reports NOT_SERVING. Callers hold healthMu so
// an aggregate computed earlier never overwrites a later one.
func (g *Gateway) updateOverallHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if g.Health().Status == StatusDown {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.healthServer.SetServingStatus("", status)
}

// CheckHealth queries a gRPC health service. Extra dial options are appended
// after the defaults.
func CheckHealth(ctx context.Context, target, service string, opts ...grpc.DialOption) (*healthpb.HealthCheckResponse, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return resp, nil
}
