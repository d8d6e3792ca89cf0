// Package health exposes collector freshness over the standard gRPC health
// checking protocol, and provides a retrying client for probing it.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/depin-agent/nvfs/internal/telemetry"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "nvfs"

// StatusReporter is implemented by telemetry.Collector.
type StatusReporter interface {
	Status() telemetry.Status
}

// Server reports SERVING while the collector has published within
// staleAfter, NOT_SERVING otherwise.
type Server struct {
	reporter   StatusReporter
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time

	health *health.Server
	grpc   *grpc.Server
}

// NewServer creates a health server. Nothing is served until Serve.
func NewServer(reporter StatusReporter, staleAfter time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		reporter:   reporter,
		staleAfter: staleAfter,
		log:        log.Named("health"),
		now:        time.Now,
		health:     hs,
		grpc:       gs,
	}
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("Health service listening", zap.String("address", lis.Addr().String()))

	s.refresh()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(lis)
	}()

	ticker := time.NewTicker(s.refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refresh()
		case err := <-serveErr:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("health service: %w", err)
			}
			return nil
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			<-serveErr
			s.log.Info("Health service stopped")
			return nil
		}
	}
}

func (s *Server) refreshInterval() time.Duration {
	interval := s.staleAfter / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// refresh recomputes the serving status from the collector.
func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.fresh() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) fresh() bool {
	last := s.reporter.Status().LastPublish
	if last.IsZero() {
		return false
	}
	return s.now().Sub(last) <= s.staleAfter
}
