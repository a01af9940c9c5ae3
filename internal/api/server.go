// Package api serves station views, change events and controls over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/beacon-station/internal/ingest"
	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/pkg/metrics"
)

// Station is the part of the base station the API drives.
type Station interface {
	Query() query.View
	Render(mode query.Mode, f query.Filters) query.View
	View() query.Selection
	SetView(view query.Selection)
	SetPaused(paused bool)
	Paused() bool
	ClearAll(ctx context.Context) error
	Changes() <-chan uint64
	Stats() ingest.StatsSnapshot
}

// Config holds the configuration for a Server.
type Config struct {
	Logger  *slog.Logger
	Station Station
	// Metrics is optional.
	Metrics *metrics.APIMetrics
	// MetricsHandler serves /metrics and defaults to metrics.Handler().
	MetricsHandler http.Handler
	Port           int
	// GRPCPort is where ListenAndServeGRPC listens; zero disables it.
	GRPCPort int
}

// Server is the HTTP API.
type Server struct {
	logger     *slog.Logger
	station    Station
	metrics    *metrics.APIMetrics
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcPort   int
	hub        *hub
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a Server and starts fanning out station changes.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Station == nil {
		return nil, errors.New("station cannot be nil")
	}

	if cfg.Port <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	s := &Server{
		logger:  cfg.Logger,
		station: cfg.Station,
		metrics:  cfg.Metrics,
		grpcPort: cfg.GRPCPort,
		hub:      newHub(),
		stop:     make(chan struct{}),
	}

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.instrument(s.setupRoutes(metricsHandler)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Event streams stay open, so there is no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.observeUnary),
		grpc.ChainStreamInterceptor(s.observeStream),
	)
	RegisterBeaconStationServer(s.grpcServer, &GRPCService{
		logger:  s.logger,
		station: s.station,
		hub:     s.hub,
		metrics: s.metrics,
	})

	go s.hub.run(s.station.Changes(), s.stop)

	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// GRPCPort returns the configured gRPC port, zero when disabled.
func (s *Server) GRPCPort() int {
	return s.grpcPort
}

// ServeGRPC serves the gRPC service on lis until Shutdown.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.logger.Info("starting gRPC server", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server error: %w", err)
	}
	return nil
}

// ListenAndServeGRPC listens on the configured gRPC port and serves until
// Shutdown.
func (s *Server) ListenAndServeGRPC() error {
	if s.grpcPort == 0 {
		return errors.New("gRPC port not configured")
	}
	addr := fmt.Sprintf(":%d", s.grpcPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeGRPC(lis)
}

func (s *Server) observeUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observeRPC(info.FullMethod, start, err)
	return resp, err
}

func (s *Server) observeStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.observeRPC(info.FullMethod, start, err)
	return err
}

func (s *Server) observeRPC(method string, start time.Time, err error) {
	code := status.Code(err)
	if code != codes.OK {
		s.logger.Warn("gRPC call failed", "method", method, "code", code.String(), "error", err)
	}
	if s.metrics == nil {
		return
	}
	s.metrics.GRPCRequestsTotal.WithLabelValues(method, code.String()).Inc()
	s.metrics.GRPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// Shutdown ends event streams and stops the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.logger.Info("stopping gRPC server")
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metricsHandler)

	mux.HandleFunc("GET /api/beacons", s.handleBeacons)
	mux.HandleFunc("DELETE /api/beacons", s.handleClear)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/view", s.handleGetView)
	mux.HandleFunc("PUT /api/view", s.handlePutView)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	return mux
}
