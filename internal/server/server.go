// Package server implements the ollyllm gRPC API server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	ollyllmv1 "github.com/ollyllm/ollyllm/api/ollyllmv1"
	"github.com/ollyllm/ollyllm/internal/ratelimit"
)

// Server is the ollyllm gRPC server.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
	addr       string
	version    string
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter is optional (nil = no rate limiting).
type ServerConfig struct {
	// Required dependencies.
	Gateway Gateway
	Logger  *slog.Logger

	// Optional dependencies.
	Limiter ratelimit.Limiter

	// gRPC settings.
	Addr            string
	MaxRecvMsgBytes int
	MaxBatchSpans   int

	// Version is echoed in the x-ollyllm-version response header when set.
	Version string
}

// New creates a gRPC server with the OllyllmService and health service registered.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Gateway:       cfg.Gateway,
		Logger:        cfg.Logger,
		MaxBatchSpans: cfg.MaxBatchSpans,
	})

	// Interceptor chain (outermost executes first):
	// request ID → version → tracing → logging → rate limit → recovery → handler.
	interceptors := []grpc.UnaryServerInterceptor{requestIDInterceptor}
	if cfg.Version != "" {
		interceptors = append(interceptors, versionHeaderInterceptor(cfg.Version))
	}
	interceptors = append(interceptors, tracingInterceptor(), loggingInterceptor(cfg.Logger))
	if cfg.Limiter != nil {
		interceptors = append(interceptors, ratelimit.UnaryServerInterceptor(cfg.Limiter, ratelimit.PeerKeyFunc, cfg.Logger))
	}
	interceptors = append(interceptors, recoveryInterceptor(cfg.Logger))

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(interceptors...),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              2 * time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.MaxRecvMsgBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgBytes))
	}

	gs := grpc.NewServer(opts...)
	ollyllmv1.RegisterOllyllmServiceServer(gs, h)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ollyllmv1.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		grpcServer: gs,
		health:     hs,
		logger:     cfg.Logger,
		addr:       cfg.Addr,
		version:    cfg.Version,
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Shutdown. Returns nil after a
// graceful stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server starting", "addr", lis.Addr().String(), "version", s.version)
	return s.grpcServer.Serve(lis)
}

// Shutdown marks the server NOT_SERVING, stops accepting calls and waits for
// in-flight calls to finish. If ctx expires first, remaining calls are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("grpc server shutting down")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
		return fmt.Errorf("server: graceful stop: %w", ctx.Err())
	}
}
