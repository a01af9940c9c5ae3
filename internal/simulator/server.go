// Package simulator runs a fake beacon fleet against a station transport.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/logger"
	"procodus.dev/beacon-station/pkg/metrics"
	"procodus.dev/beacon-station/pkg/mq"
	"procodus.dev/beacon-station/pkg/simulator"
)

// Output kinds.
const (
	OutputAMQP = "amqp"
	OutputTCP  = "tcp"
	OutputFile = "file"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Output selects where frames go: amqp, tcp or file
	Output string
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// QueueName is the frame queue for the amqp output
	QueueName string
	// ListenAddr is where the tcp output accepts stations
	ListenAddr string
	// Path is the file or named pipe for the file output
	Path string
	// Interval is the time between fleet reports
	Interval time.Duration
	// Rounds stops the server after that many reports; zero runs until cancelled
	Rounds int
	// Fleet describes the simulated beacons
	Fleet simulator.Config
	// Codec encodes frames; the zero value selects network byte order
	Codec beacon.Codec
	// Emitter overrides Output when set
	Emitter Emitter
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server emits the reports of a simulated fleet at a fixed interval.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	fleet   *simulator.Fleet
	emitter Emitter
	metrics *metrics.SimulatorMetrics
	rounds  int
}

var (
	errInvalidInterval = errors.New("interval must be greater than 0")
	errInvalidRounds   = errors.New("rounds cannot be negative")
	errLoggerRequired  = errors.New("logger is required")
)

// NewServer creates a simulator server with the given configuration. The
// output is opened by Run.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Rounds < 0 {
		return nil, errInvalidRounds
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Emitter == nil {
		switch cfg.Output {
		case OutputAMQP:
			if cfg.RabbitMQURL == "" || cfg.QueueName == "" {
				return nil, errors.New("amqp output requires a rabbitmq URL and a queue name")
			}
		case OutputTCP:
			if cfg.ListenAddr == "" {
				return nil, errors.New("tcp output requires a listen address")
			}
		case OutputFile:
			if cfg.Path == "" {
				return nil, errors.New("file output requires a path")
			}
		default:
			return nil, fmt.Errorf("unknown output %q", cfg.Output)
		}
	}

	codec := cfg.Codec
	if codec.Order == nil {
		codec = beacon.DefaultCodec
	}

	fleet, err := simulator.NewFleet(cfg.Fleet, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to create fleet: %w", err)
	}

	for _, b := range fleet.Beacons() {
		cfg.Logger.Debug("created simulated beacon",
			"sender_id", b.ID,
			"call_sign", b.CallSign,
			"firmware", b.Firmware,
			"format", b.Format.String(),
		)
	}

	return &Server{
		logger:  cfg.Logger,
		config:  cfg,
		fleet:   fleet,
		emitter: cfg.Emitter,
		metrics: cfg.Metrics,
	}, nil
}

// Fleet returns the simulated fleet.
func (s *Server) Fleet() *simulator.Fleet {
	return s.fleet
}

// Rounds returns how many reports have been emitted.
func (s *Server) Rounds() int {
	return s.rounds
}

// Run emits fleet reports until a shutdown signal, ctx cancellation or the
// configured number of rounds.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if s.emitter == nil {
		emitter, err := s.openOutput()
		if err != nil {
			return err
		}
		s.emitter = emitter
	}
	defer s.closeEmitter()

	if s.metrics != nil {
		s.metrics.SimulatedBeacons.Set(float64(s.fleet.Size()))
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("simulator started",
		"beacons", s.fleet.Size(),
		"interval", s.config.Interval,
		"output", s.config.Output,
	)

	for {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			return nil
		case <-ctx.Done():
			s.logger.Info("context canceled, shutting down")
			return nil
		case now := <-ticker.C:
			s.emitRound(ctx, now)
			s.rounds++
			if s.config.Rounds > 0 && s.rounds >= s.config.Rounds {
				s.logger.Info("simulator finished", "rounds", s.rounds)
				return nil
			}
		}
	}
}

func (s *Server) openOutput() (Emitter, error) {
	switch s.config.Output {
	case OutputAMQP:
		client, err := mq.New(&mq.Config{
			Logger:    logger.WithComponent(s.logger, "mq-client"),
			Metrics:   s.config.MQMetrics,
			QueueName: s.config.QueueName,
			Addr:      s.config.RabbitMQURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mq client: %w", err)
		}
		return NewQueueEmitter(client), nil
	case OutputTCP:
		emitter, err := Listen(s.config.ListenAddr, logger.WithComponent(s.logger, "listener"))
		if err != nil {
			return nil, err
		}
		s.logger.Info("waiting for stations", "address", emitter.Addr().String())
		return emitter, nil
	case OutputFile:
		return OpenFileEmitter(s.config.Path)
	default:
		return nil, fmt.Errorf("unknown output %q", s.config.Output)
	}
}

// emitRound keeps going after a failed frame so one broken delivery does not
// silence the rest of the fleet.
func (s *Server) emitRound(ctx context.Context, now time.Time) {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.EmitDuration)
		defer timer.ObserveDuration()
	}

	frames, err := s.fleet.Frames(now)
	if err != nil {
		s.logger.Error("failed to encode fleet report", "error", err)
		if s.metrics != nil {
			s.metrics.EmitFailures.WithLabelValues("encode_error").Inc()
		}
	}

	for _, frame := range frames {
		if err := s.emitter.Emit(ctx, frame.Data); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to emit frame",
				"sender_id", frame.Record.SenderID,
				"error", err,
			)
			if s.metrics != nil {
				s.metrics.EmitFailures.WithLabelValues("write_error").Inc()
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.FramesEmitted.WithLabelValues(frame.Format.String()).Inc()
		}
		s.logger.Debug("frame emitted",
			"sender_id", frame.Record.SenderID,
			"message_id", frame.Record.MessageID,
			"panic", frame.Record.Panic,
		)
	}
}

func (s *Server) closeEmitter() {
	if err := s.emitter.Close(); err != nil {
		s.logger.Error("failed to close output", "error", err)
		return
	}
	s.logger.Info("simulator output closed")
}
