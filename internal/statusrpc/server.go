// Package statusrpc exposes the pipeline's operating mode through the
// standard gRPC health checking service.
package statusrpc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/slam/modes"
)

// Health service names. The overall service ("") is SERVING while the
// server runs; exactly one of the mode services is SERVING at a time.
const (
	MappingService      = "slam.mapping"
	LocalizationService = "slam.localization"
)

// Server is a gRPC health endpoint that tracks the pipeline mode.
type Server struct {
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	log      *log.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New returns a server reporting Mapping mode.
func New() *Server {
	s := &Server{
		health: health.NewServer(),
		log:    monitoring.Component("statusrpc"),
	}
	s.SetMode(modes.Mapping)
	return s
}

// SetMode updates the mode services.
func (s *Server) SetMode(m modes.Mode) {
	mapping, localization := healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
	if m == modes.Localization {
		mapping, localization = localization, mapping
	}
	s.health.SetServingStatus(MappingService, mapping)
	s.health.SetServingStatus(LocalizationService, localization)
}

// Observe adapts SetMode to a modes.Controller observer.
func (s *Server) Observe(tr modes.Transition) {
	s.SetMode(tr.Mode)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("status server already running")
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("health endpoint listening", "addr", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			s.log.Error("gRPC server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server. Safe to call
// more than once.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	s.log.Info("health endpoint stopped")
}
