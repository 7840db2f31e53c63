package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewWithListener(listener)
	t.Cleanup(s.Close)
	return s
}

func check(t *testing.T, s *Server, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func degradedReport() orchestrator.Report {
	return orchestrator.Report{
		Status: orchestrator.SystemDegraded,
		Services: []orchestrator.State{
			{Name: "datastore", Status: orchestrator.StatusReady, Health: orchestrator.HealthHealthy, Critical: true},
			{Name: "quota-monitor", Status: orchestrator.StatusReady, Health: orchestrator.HealthDegraded},
			{Name: "category-index", Status: orchestrator.StatusReady, Health: orchestrator.HealthFailed},
			{Name: "integrity", Status: orchestrator.StatusFailed, Health: orchestrator.HealthFailed},
			{Name: "eventbus", Status: orchestrator.StatusReady, Health: orchestrator.HealthUnknown},
		},
	}
}

func TestServingStatus(t *testing.T) {
	tests := []struct {
		name  string
		state orchestrator.State
		want  grpc_health_v1.HealthCheckResponse_ServingStatus
	}{
		{"ready healthy", orchestrator.State{Status: orchestrator.StatusReady, Health: orchestrator.HealthHealthy}, grpc_health_v1.HealthCheckResponse_SERVING},
		{"ready unknown", orchestrator.State{Status: orchestrator.StatusReady, Health: orchestrator.HealthUnknown}, grpc_health_v1.HealthCheckResponse_SERVING},
		{"ready degraded", orchestrator.State{Status: orchestrator.StatusReady, Health: orchestrator.HealthDegraded}, grpc_health_v1.HealthCheckResponse_SERVING},
		{"ready unhealthy", orchestrator.State{Status: orchestrator.StatusReady, Health: orchestrator.HealthFailed}, grpc_health_v1.HealthCheckResponse_NOT_SERVING},
		{"pending", orchestrator.State{Status: orchestrator.StatusPending}, grpc_health_v1.HealthCheckResponse_NOT_SERVING},
		{"failed", orchestrator.State{Status: orchestrator.StatusFailed}, grpc_health_v1.HealthCheckResponse_NOT_SERVING},
		{"disposed", orchestrator.State{Status: orchestrator.StatusDisposed}, grpc_health_v1.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ServingStatus(tt.state))
		})
	}
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, OverallStatus(orchestrator.SystemReady))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, OverallStatus(orchestrator.SystemDegraded))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, OverallStatus(orchestrator.SystemFailed))
}

func TestSync(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, ""))

	s.Sync(degradedReport())

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, "datastore"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, "quota-monitor"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, "eventbus"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, "category-index"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, "integrity"))

	// 未知服務回 NotFound
	_, err := s.Health().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "nope"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	report := degradedReport()
	report.Status = orchestrator.SystemFailed
	report.Services[0].Status = orchestrator.StatusFailed
	s.Sync(report)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, "datastore"))
}

type staticSource struct{ report orchestrator.Report }

func (s staticSource) Report() orchestrator.Report { return s.report }

func TestWatchSyncsImmediately(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, staticSource{degradedReport()}, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := s.Health().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "datastore"})
		return err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestServeOverNetwork(t *testing.T) {
	s := newTestServer(t)
	s.Sync(degradedReport())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: "quota-monitor"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
