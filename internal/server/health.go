package server

// ============================================================================
// gRPC Health Endpoint
// ============================================================================
//
// 對外暴露 grpc.health.v1.Health：
//   ""            → 整體狀態（SystemFailed 時 NOT_SERVING）
//   "<service>"   → 每個 orchestrator 服務
//
// 狀態由 Sync(report) 推送；Watch 以固定間隔拉取 orchestrator 報告。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
)

var log = slog.Default()

// ReportSource is anything that can produce an orchestrator report.
type ReportSource interface {
	Report() orchestrator.Report
}

// Server serves the gRPC health protocol for the runtime.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server

	mu    sync.Mutex
	known map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// New listens on addr and prepares the gRPC server. Nothing is served until
// Serve is called. The overall status starts as NOT_SERVING.
func New(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return NewWithListener(listener), nil
}

// NewWithListener wraps an existing listener.
func NewWithListener(listener net.Listener) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		known:      make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Health exposes the underlying health server for in-process checks.
func (s *Server) Health() grpc_health_v1.HealthServer {
	return s.health
}

// ServingStatus maps one service state onto the health protocol. A ready
// service stays SERVING while degraded; only a failed check or a non-ready
// status turns it NOT_SERVING.
func ServingStatus(st orchestrator.State) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if st.Status != orchestrator.StatusReady {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if st.Health == orchestrator.HealthFailed {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// OverallStatus maps the aggregate status; degraded still serves.
func OverallStatus(status orchestrator.SystemStatus) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if status == orchestrator.SystemFailed {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// Sync pushes a report into the health server. Only changes are logged.
func (s *Server) Sync(report orchestrator.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked("", OverallStatus(report.Status))
	for _, st := range report.Services {
		s.setLocked(st.Name, ServingStatus(st))
	}
}

func (s *Server) setLocked(name string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	prev, seen := s.known[name]
	s.health.SetServingStatus(name, status)
	s.known[name] = status
	if !seen || prev != status {
		service := name
		if service == "" {
			service = "(overall)"
		}
		log.Debug("Health status updated", "service", service, "status", status.String())
	}
}

// Watch syncs from src every interval until ctx is done. The first sync
// happens immediately.
func (s *Server) Watch(ctx context.Context, src ReportSource, interval time.Duration) {
	s.Sync(src.Report())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(src.Report())
		}
	}
}

// Serve starts the gRPC server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	defer s.Close()

	log.Info("gRPC health server listening", "addr", s.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close stops the server immediately.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.health.Shutdown()
	s.grpcServer.Stop()
	_ = s.listener.Close()
}
