// Package health publishes the node's settlement health over the standard
// gRPC health protocol.
//
// The overall service ("") is SERVING while the process runs. Each monitored
// chain has a service named "settlement.chain.<id>" which goes NOT_SERVING
// once the host is deregistered there or slashed, so orchestrators can stop
// routing jobs to it.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/0g-inference-settlement/internal/slash"
)

// RiskSource is one chain's slash monitor.
type RiskSource interface {
	Snapshot() slash.Snapshot
}

// ServiceName is the health service name for a chain.
func ServiceName(chainID uint64) string {
	return fmt.Sprintf("settlement.chain.%d", chainID)
}

// Server serves grpc.health.v1 and keeps chain statuses in step with the
// slash monitors.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	sources []RiskSource
	log     *zap.Logger
}

func NewServer(sources []RiskSource, log *zap.Logger) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	s := &Server{grpc: gs, health: hs, sources: sources, log: log}
	s.Refresh()
	return s
}

// Refresh recomputes every chain's status from its monitor.
func (s *Server) Refresh() {
	for _, src := range s.sources {
		snap := src.Snapshot()
		status := healthpb.HealthCheckResponse_SERVING
		if snap.IsAtRisk {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(ServiceName(snap.ChainID), status)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Run refreshes statuses every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains open streams.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
