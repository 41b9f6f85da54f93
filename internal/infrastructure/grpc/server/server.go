// Package server exposes the gRPC health endpoint used by container
// orchestrators and the mesh. The serving status follows the aggregate
// health monitor: probes run on a fixed interval and the status flips to
// NOT_SERVING when any component degrades.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"exec_reconciler/internal/core"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// serviceName is the logical service tracked alongside the server-wide status.
const serviceName = "execrecon.v1.Reconciler"

// probeInterval is how often the health monitor is re-evaluated.
const probeInterval = 10 * time.Second

// HealthServer serves the standard gRPC health protocol. There are no other
// RPC services; reconciliation is driven by the scheduler and the ops HTTP
// API, so the gRPC surface exists for orchestrator probes only.
type HealthServer struct {
	addr         string
	logger       core.ILogger
	monitor      core.IHealthMonitor
	grpcServer   *grpc.Server
	healthServer *health.Server
}

// NewHealthServer creates the server with health and reflection registered.
// The status starts as NOT_SERVING until Serve runs the first probe.
func NewHealthServer(addr string, logger core.ILogger, monitor core.IHealthMonitor) *HealthServer {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &HealthServer{
		addr:         addr,
		logger:       logger.WithField("component", "grpc_health"),
		monitor:      monitor,
		grpcServer:   grpcServer,
		healthServer: healthServer,
	}
}

// Serve listens on the configured address and blocks until the context is
// cancelled or the listener fails. Shutdown drains in-flight RPCs.
func (s *HealthServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("gRPC health server serving", "addr", s.addr)
	return s.serve(ctx, lis)
}

func (s *HealthServer) serve(ctx context.Context, lis net.Listener) error {
	// Probe before accepting so the first Check already reflects reality.
	s.setStatus(s.probe(ctx))

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			s.grpcServer.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.setStatus(s.probe(ctx))
		}
	}
}

func (s *HealthServer) probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.monitor == nil || s.monitor.IsHealthy(ctx) {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

func (s *HealthServer) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(serviceName, status)
}
