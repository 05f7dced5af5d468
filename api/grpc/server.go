package grpc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alexnthnz/delivery-engine/internal/channels"
)

// PushServiceName is the health service name reporting push delivery
const PushServiceName = "delivery.PushDelivery"

// HealthReporter exposes push health
type HealthReporter interface {
	Health(now time.Time) channels.HealthReport
}

// Server serves the standard gRPC health protocol backed by the push health stats
type Server struct {
	server   *grpclib.Server
	health   *health.Server
	reporter HealthReporter
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer creates a new gRPC server. A nil reporter always reports SERVING.
func NewServer(reporter HealthReporter, logger *zap.Logger, opts ...grpclib.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		server:   grpclib.NewServer(opts...),
		health:   health.NewServer(),
		reporter: reporter,
		logger:   logger.Named("grpc"),
		now:      time.Now,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.Refresh()
	return s
}

// Refresh maps the current push health onto the serving status.
// Degraded still serves; only unhealthy stops serving.
func (s *Server) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.reporter != nil && s.reporter.Health(s.now()).Status == channels.HealthUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(PushServiceName, status)
	return status
}

// Watch refreshes the serving status every interval until ctx is done
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := s.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status := s.Refresh(); status != last {
				s.logger.Warn("Serving status changed",
					zap.String("from", last.String()),
					zap.String("to", status.String()),
				)
				last = status
			}
		}
	}
}

// Health returns the health service implementation
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Serve accepts connections on lis
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and stops the server
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
