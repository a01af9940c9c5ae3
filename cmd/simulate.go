package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/beacon-station/internal/simulator"
	"procodus.dev/beacon-station/internal/station"
	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/metrics"
	fleet "procodus.dev/beacon-station/pkg/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated beacon fleet",
	Long: `Run a simulated beacon fleet that:
- Random-walks up to 15 beacons around a center point
- Reports in both wire formats with occasional panics and repeats
- Publishes frames to RabbitMQ, serves them over TCP or appends them to a file`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("output", simulator.OutputTCP, "Frame output (amqp, tcp, file)")
	simulateCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulateCmd.Flags().String("queue-name", "beacon-frames", "RabbitMQ queue for frames")
	simulateCmd.Flags().String("listen-addr", "localhost:4000", "Address stations connect to")
	simulateCmd.Flags().String("path", "frames.bin", "File or named pipe for frames")
	simulateCmd.Flags().Duration("interval", 2*time.Second, "Interval between fleet reports")
	simulateCmd.Flags().Int("rounds", 0, "Stop after this many reports (0 runs forever)")
	simulateCmd.Flags().Int("beacons", fleet.DefaultSize, "Number of simulated beacons")
	simulateCmd.Flags().Uint64("seed", 0, "Random seed (0 picks one)")
	simulateCmd.Flags().Float64("center-lat", 37.2296, "Latitude the fleet starts near")
	simulateCmd.Flags().Float64("center-lon", -80.4139, "Longitude the fleet starts near")
	simulateCmd.Flags().Float64("step", fleet.DefaultStep, "Largest move in degrees between reports")
	simulateCmd.Flags().Float64("panic-rate", fleet.DefaultPanicRate, "Probability of a panic report")
	simulateCmd.Flags().Float64("repeat-rate", 0.05, "Probability of repeating the previous report")
	simulateCmd.Flags().Float64("compact-share", 0.5, "Fraction of beacons using the compact format")
	simulateCmd.Flags().String("byte-order", "big", "Byte order of multi-byte frame fields (big, little)")
	simulateCmd.Flags().Int("metrics-port", 0, "Port serving Prometheus metrics (0 disables)")

	_ = viper.BindPFlag("simulate.output", simulateCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("simulate.rabbitmq.url", simulateCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulate.rabbitmq.queue_name", simulateCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("simulate.listen_addr", simulateCmd.Flags().Lookup("listen-addr"))
	_ = viper.BindPFlag("simulate.path", simulateCmd.Flags().Lookup("path"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulate.rounds", simulateCmd.Flags().Lookup("rounds"))
	_ = viper.BindPFlag("simulate.fleet.beacons", simulateCmd.Flags().Lookup("beacons"))
	_ = viper.BindPFlag("simulate.fleet.seed", simulateCmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("simulate.fleet.center_lat", simulateCmd.Flags().Lookup("center-lat"))
	_ = viper.BindPFlag("simulate.fleet.center_lon", simulateCmd.Flags().Lookup("center-lon"))
	_ = viper.BindPFlag("simulate.fleet.step", simulateCmd.Flags().Lookup("step"))
	_ = viper.BindPFlag("simulate.fleet.panic_rate", simulateCmd.Flags().Lookup("panic-rate"))
	_ = viper.BindPFlag("simulate.fleet.repeat_rate", simulateCmd.Flags().Lookup("repeat-rate"))
	_ = viper.BindPFlag("simulate.fleet.compact_share", simulateCmd.Flags().Lookup("compact-share"))
	_ = viper.BindPFlag("simulate.byte_order", simulateCmd.Flags().Lookup("byte-order"))
	_ = viper.BindPFlag("simulate.metrics.port", simulateCmd.Flags().Lookup("metrics-port"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting beacon simulator")

	order, err := station.ParseByteOrder(viper.GetString("simulate.byte_order"))
	if err != nil {
		return err
	}

	config := &simulator.ServerConfig{
		Logger:      logger,
		Output:      viper.GetString("simulate.output"),
		RabbitMQURL: viper.GetString("simulate.rabbitmq.url"),
		QueueName:   viper.GetString("simulate.rabbitmq.queue_name"),
		ListenAddr:  viper.GetString("simulate.listen_addr"),
		Path:        viper.GetString("simulate.path"),
		Interval:    viper.GetDuration("simulate.interval"),
		Rounds:      viper.GetInt("simulate.rounds"),
		Codec:       beacon.NewCodec(order),
		Fleet: fleet.Config{
			Seed: viper.GetUint64("simulate.fleet.seed"),
			Size: viper.GetInt("simulate.fleet.beacons"),
			Center: &fleet.Position{
				Latitude:  viper.GetFloat64("simulate.fleet.center_lat"),
				Longitude: viper.GetFloat64("simulate.fleet.center_lon"),
			},
			Step:         viper.GetFloat64("simulate.fleet.step"),
			PanicRate:    viper.GetFloat64("simulate.fleet.panic_rate"),
			RepeatRate:   viper.GetFloat64("simulate.fleet.repeat_rate"),
			CompactShare: viper.GetFloat64("simulate.fleet.compact_share"),
		},
		Metrics: metrics.NewSimulatorMetrics(nil),
	}
	if config.Output == simulator.OutputAMQP {
		config.MQMetrics = metrics.NewMQMetrics(nil)
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	if port := viper.GetInt("simulate.metrics.port"); port > 0 {
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsServer.Close()
		logger.Info("serving simulator metrics", "port", port)
	}

	logger.Info("simulator configuration",
		"output", config.Output,
		"beacons", server.Fleet().Size(),
		"interval", config.Interval,
		"rounds", config.Rounds,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
