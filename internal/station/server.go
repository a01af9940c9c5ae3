package station

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"procodus.dev/beacon-station/internal/api"
	"procodus.dev/beacon-station/internal/source"
	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/logger"
	"procodus.dev/beacon-station/pkg/metrics"
	"procodus.dev/beacon-station/pkg/mq"
)

// Source kinds.
const (
	SourceSerial = "serial"
	SourceTCP    = "tcp"
	SourceAMQP   = "amqp"
)

// Persistence kinds.
const (
	PersistenceFile     = "file"
	PersistenceBolt     = "bolt"
	PersistencePostgres = "postgres"
)

// ingestionStopTimeout bounds how long Shutdown waits for the ingestion goroutine.
const ingestionStopTimeout = 5 * time.Second

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger
	// Registerer receives the station metrics; nil selects metrics.Registry.
	Registerer prometheus.Registerer

	// Frame source configuration
	SourceKind  string
	SerialPath  string
	// BaudRate of the serial line; zero selects source.DefaultBaudRate.
	BaudRate    int
	TCPAddr     string
	RabbitMQURL string
	FrameQueue  string
	// ByteOrder is "big" or "little".
	ByteOrder string

	// Persistence configuration
	PersistenceKind string
	DataDir         string
	BoltPath        string
	DB              store.GormConfig

	// EventQueue, when set, receives every accepted record.
	EventQueue string

	HTTPPort int
	// GRPCPort serves the gRPC query service when positive.
	GRPCPort int
}

// Server runs the base station: persistence, ingestion, events and the HTTP API.
type Server struct {
	logger      *slog.Logger
	config      *ServerConfig
	persistence store.Persistence
	store       *store.Store
	station     *Station
	api         *api.Server
	eventClient *mq.Client
	cancel      context.CancelFunc
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	switch cfg.SourceKind {
	case SourceSerial:
		if cfg.SerialPath == "" {
			return nil, errors.New("serial path cannot be empty")
		}
		if cfg.BaudRate < 0 {
			return nil, errors.New("baud rate cannot be negative")
		}
	case SourceTCP:
		if cfg.TCPAddr == "" {
			return nil, errors.New("tcp address cannot be empty")
		}
	case SourceAMQP:
		if cfg.RabbitMQURL == "" {
			return nil, errors.New("rabbitmq URL cannot be empty")
		}
		if cfg.FrameQueue == "" {
			return nil, errors.New("frame queue cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.SourceKind)
	}

	switch cfg.PersistenceKind {
	case PersistenceFile:
		if cfg.DataDir == "" {
			return nil, errors.New("data directory cannot be empty")
		}
	case PersistenceBolt:
		if cfg.BoltPath == "" {
			return nil, errors.New("bolt path cannot be empty")
		}
	case PersistencePostgres:
		if cfg.DB.Host == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DB.Port <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DB.User == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DB.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown persistence kind %q", cfg.PersistenceKind)
	}

	if _, err := ParseByteOrder(cfg.ByteOrder); err != nil {
		return nil, err
	}

	if cfg.EventQueue != "" && cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty when an event queue is set")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// ParseByteOrder parses "big" (or empty) and "little".
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "", "big":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", s)
	}
}

// OpenPersistence opens the configured backend.
func OpenPersistence(cfg *ServerConfig) (store.Persistence, error) {
	switch cfg.PersistenceKind {
	case PersistenceFile:
		return store.NewFileStore(cfg.DataDir)
	case PersistenceBolt:
		return store.NewBoltStore(cfg.BoltPath)
	case PersistencePostgres:
		dbCfg := cfg.DB
		dbCfg.Logger = cfg.Logger
		return store.NewGormStore(&dbCfg)
	default:
		return nil, fmt.Errorf("unknown persistence kind %q", cfg.PersistenceKind)
	}
}

// OpenPersistenceReadOnly opens the configured backend for loading only. File
// and bolt backends refuse every Save; postgres runs its migrations and is
// otherwise only read.
func OpenPersistenceReadOnly(cfg *ServerConfig) (store.Persistence, error) {
	switch cfg.PersistenceKind {
	case PersistenceFile:
		return store.OpenFileStoreReadOnly(cfg.DataDir)
	case PersistenceBolt:
		return store.OpenBoltStoreReadOnly(cfg.BoltPath)
	default:
		return OpenPersistence(cfg)
	}
}

// Run starts the station and blocks until shutdown. It returns the transport
// error when ingestion stops on its own.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting beacon station")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	stationMetrics := metrics.NewStationMetrics(s.config.Registerer)
	var mqMetrics *metrics.MQMetrics
	if s.config.SourceKind == SourceAMQP || s.config.EventQueue != "" {
		mqMetrics = metrics.NewMQMetrics(s.config.Registerer)
	}

	persistence, err := OpenPersistence(s.config)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	s.persistence = persistence

	dedup := beacon.NewDeduplicator()
	st, err := store.New(ctx, &store.Config{
		Logger:      logger.WithComponent(s.logger, "store"),
		Persistence: persistence,
		Dedup:       dedup,
		Metrics:     stationMetrics,
	})
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.store = st

	var publisher Publisher
	if s.config.EventQueue != "" {
		events, err := s.startEvents(ctx, mqMetrics)
		if err != nil {
			_ = s.Shutdown()
			return err
		}
		publisher = events
	}

	order, _ := ParseByteOrder(s.config.ByteOrder)
	codec := beacon.NewCodec(order)
	station, err := New(&Config{
		Logger:    s.logger,
		Store:     st,
		Dedup:     dedup,
		Codec:     &codec,
		Metrics:   stationMetrics,
		Publisher: publisher,
	})
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to initialize station: %w", err)
	}
	s.station = station

	src, err := s.openSource(ctx, mqMetrics)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to open frame source: %w", err)
	}

	if err := station.Start(ctx, src); err != nil {
		_ = src.Close()
		_ = s.Shutdown()
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	var metricsHandler http.Handler
	if gatherer, ok := s.config.Registerer.(prometheus.Gatherer); ok {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	apiServer, err := api.NewServer(&api.Config{
		Logger:         logger.WithComponent(s.logger, "api"),
		Station:        station,
		Metrics:        metrics.NewAPIMetrics(s.config.Registerer),
		MetricsHandler: metricsHandler,
		Port:           s.config.HTTPPort,
		GRPCPort:       s.config.GRPCPort,
	})
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}
	s.api = apiServer

	httpErr := make(chan error, 1)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			httpErr <- err
		}
		close(httpErr)
	}()

	grpcErr := make(chan error, 1)
	if s.config.GRPCPort > 0 {
		go func() {
			if err := apiServer.ListenAndServeGRPC(); err != nil {
				grpcErr <- err
			}
			close(grpcErr)
		}()
	}

	s.logger.Info("beacon station started successfully",
		"source", s.config.SourceKind,
		"persistence", s.config.PersistenceKind,
		"http_port", s.config.HTTPPort,
		"grpc_port", s.config.GRPCPort,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err, ok := <-httpErr:
		if ok && err != nil {
			s.logger.Error("HTTP server error", "error", err)
			runErr = err
		}
	case err, ok := <-grpcErr:
		if ok && err != nil {
			s.logger.Error("gRPC server error", "error", err)
			runErr = err
		}
	case <-station.Closed():
		if err := station.Err(); err != nil {
			s.logger.Error("ingestion stopped", "error", err)
			runErr = err
		}
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) startEvents(ctx context.Context, m *metrics.MQMetrics) (*EventPublisher, error) {
	client, err := mq.New(&mq.Config{
		Logger:      logger.WithComponent(s.logger, "events"),
		Metrics:     m,
		QueueName:   s.config.EventQueue,
		Addr:        s.config.RabbitMQURL,
		ContentType: "application/protobuf",
		Durable:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event client: %w", err)
	}
	s.eventClient = client

	events, err := NewEventPublisher(&EventPublisherConfig{
		Logger: logger.WithComponent(s.logger, "events"),
		Client: client,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	go events.Run(ctx)

	s.logger.Info("publishing accepted records", "queue", s.config.EventQueue)
	return events, nil
}

func (s *Server) openSource(ctx context.Context, m *metrics.MQMetrics) (source.FrameSource, error) {
	switch s.config.SourceKind {
	case SourceSerial:
		s.logger.Info("opening serial source",
			"path", s.config.SerialPath,
			"baud", s.config.BaudRate,
		)
		return source.OpenSerial(&source.SerialConfig{
			Path:     s.config.SerialPath,
			BaudRate: s.config.BaudRate,
		})
	case SourceTCP:
		s.logger.Info("dialing tcp source", "address", s.config.TCPAddr)
		return source.DialTCP(ctx, s.config.TCPAddr, 10*time.Second)
	case SourceAMQP:
		s.logger.Info("consuming frame queue", "queue", s.config.FrameQueue)
		client, err := mq.New(&mq.Config{
			Logger:    logger.WithComponent(s.logger, "frames"),
			Metrics:   m,
			QueueName: s.config.FrameQueue,
			Addr:      s.config.RabbitMQURL,
		})
		if err != nil {
			return nil, err
		}
		return source.NewQueueSource(&source.QueueConfig{
			Logger:    logger.WithComponent(s.logger, "frames"),
			Client:    client,
			QueueName: s.config.FrameQueue,
			Metrics:   m,
		})
	default:
		return nil, fmt.Errorf("unknown source kind %q", s.config.SourceKind)
	}
}

// Station returns the running station, nil before Run has started it.
func (s *Server) Station() *Station {
	return s.station
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down beacon station")

	var shutdownErr error
	appendErr := func(what string, err error) {
		s.logger.Error("shutdown step failed", "step", what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.api.Shutdown(ctx); err != nil {
			appendErr("HTTP server shutdown error", err)
		}
		cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}

	if s.station != nil && s.station.started.Load() {
		select {
		case <-s.station.Closed():
			s.logger.Info("ingestion stopped")
		case <-time.After(ingestionStopTimeout):
			appendErr("ingestion stop error", errors.New("timed out waiting for ingestion"))
		}
	}

	if s.eventClient != nil {
		if err := s.eventClient.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
			appendErr("event client close error", err)
		}
	}

	if s.persistence != nil {
		if err := s.persistence.Close(); err != nil {
			appendErr("persistence close error", err)
		}
	}

	if shutdownErr != nil {
		s.logger.Error("beacon station shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("beacon station shutdown completed successfully")
	return nil
}
