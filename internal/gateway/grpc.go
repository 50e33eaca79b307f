// ABOUTME: gRPC health service reporting facade readiness to orchestrators
// ABOUTME: Serving status mirrors the health verdict and is republished every second

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// SessionService is the gRPC health service name for the brokerage session.
const SessionService = "brokergate.Session"

// healthPublishInterval bounds how long the gRPC status may lag the verdict.
const healthPublishInterval = time.Second

// newGRPCServer creates a gRPC server exposing only grpc.health.v1.
func newGRPCServer(hs *grpchealth.Server) *grpc.Server {
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
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// publishHealth copies the current verdict into the health server.
func (g *Gateway) publishHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.monitor.Evaluate().Ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.healthServer.SetServingStatus("", status)
	g.healthServer.SetServingStatus(SessionService, status)
}

func (g *Gateway) runHealthPublisher(ctx context.Context) {
	ticker := time.NewTicker(healthPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.publishHealth()
		}
	}
}

// shutdownGRPCServer gracefully stops the gRPC server, forcing stop if context expires.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}
