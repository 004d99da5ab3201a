// Package servers provides the gRPC services a process exposes.
package servers

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service names reported over the health protocol.
const (
	ServiceProxy      = "ds13.proxy"
	ServiceFileServer = "ds13.fileserver"
)

// HealthServer serves the standard gRPC health protocol for one service.
type HealthServer struct {
	health  *health.Server
	service string
	logger  *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewHealthServer creates a HealthServer reporting NOT_SERVING until SetServing.
func NewHealthServer(service string, logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{health: h, service: service, logger: logger}
}

// Serve starts the gRPC listener.
func (s *HealthServer) Serve(addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 300 * time.Second}),
	)
	healthpb.RegisterHealthServer(srv, s.health)
	go func() {
		if err := srv.Serve(lis); err != nil {
			s.logger.Error("Health gRPC server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Health gRPC listening", zap.String("addr", lis.Addr().String()), zap.String("service", s.service))
	return srv, nil
}

// Addr returns the bound address, or nil before Serve.
func (s *HealthServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SetServing flips the reported status of the service.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.service, status)
}

// Shutdown reports NOT_SERVING for every service and ignores later updates.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
}
