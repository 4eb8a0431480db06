// Package health reports backend readiness over the standard gRPC health
// protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the gRPC health service name of the lab gateway.
const ServiceName = "cloudlabs.Gateway"

// Pinger is a backend dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls probe cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Server publishes SERVING while every dependency answers its ping.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	checks map[string]Pinger
	cfg    Config

	mu      sync.RWMutex
	lastErr error
}

// NewServer creates a health server over the named dependencies.
func NewServer(cfg Config, checks map[string]Pinger) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, checks: checks, cfg: cfg}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Check pings every dependency and updates the published status.
func (s *Server) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	err := errors.Join(errs...)

	s.mu.Lock()
	changed := (err == nil) != (s.lastErr == nil)
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		if changed {
			slog.Warn("Health check failing", "error", err)
		}
		return err
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	if changed {
		slog.Info("Health check passing")
	}
	return nil
}

// Err returns the outcome of the most recent check.
func (s *Server) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Run checks dependencies on an interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	_ = s.Check(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Serve accepts gRPC health probes on lis.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service as shutting down and stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
