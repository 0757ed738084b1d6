// Package grpc exposes the standard gRPC health service reflecting pipeline
// readiness, for orchestrators and grpcurl.
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// PipelineService is the health service name reported for the pipeline
const PipelineService = "energycore.Pipeline"

// Readiness reports whether the pipeline can serve processing cycles
type Readiness interface {
	Ready() bool
}

// Config holds gRPC server configuration
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Server represents the gRPC server
type Server struct {
	logger     zerolog.Logger
	config     Config
	grpcServer *grpc.Server
	health     *health.Server
	readiness  Readiness
}

// NewServer creates a new gRPC server
func NewServer(logger zerolog.Logger, cfg Config, readiness Readiness) *Server {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(1024 * 1024),
	}
	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(PipelineService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for gRPC CLI tools like grpcurl
	reflection.Register(grpcServer)

	return &Server{
		logger:     logger.With().Str("component", "grpc").Logger(),
		config:     cfg,
		grpcServer: grpcServer,
		health:     healthServer,
		readiness:  readiness,
	}
}

// Run listens on the configured port and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info().
		Str("address", lis.Addr().String()).
		Msg("Starting gRPC server")

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- s.grpcServer.Serve(lis)
	}()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()
	s.updateStatus()

	for {
		select {
		case err := <-serverErrors:
			if err != nil {
				return fmt.Errorf("failed to serve: %w", err)
			}
			return nil
		case <-ticker.C:
			s.updateStatus()
		case <-ctx.Done():
			s.Stop()
			return nil
		}
	}
}

// updateStatus copies pipeline readiness into the health service
func (s *Server) updateStatus() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.readiness != nil && s.readiness.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(PipelineService, status)
}

// Stop marks every service as not serving and stops gracefully
func (s *Server) Stop() {
	s.logger.Info().Msg("Shutting down gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info().Msg("gRPC server stopped")
}
