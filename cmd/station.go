package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/beacon-station/internal/source"
	"procodus.dev/beacon-station/internal/station"
)

var stationCmd = &cobra.Command{
	Use:   "station",
	Short: "Run the base station",
	Long: `Run the base station that:
- Reads 16-byte beacon frames from a serial device, a TCP stream or a RabbitMQ queue
- Validates and deduplicates every frame
- Persists the live table and the history log
- Serves the map view, change events and controls over HTTP
- Optionally publishes accepted records to a RabbitMQ queue`,
	RunE: runStation,
}

func init() {
	rootCmd.AddCommand(stationCmd)

	stationCmd.Flags().String("source", station.SourceSerial, "Frame source (serial, tcp, amqp)")
	stationCmd.Flags().String("serial-path", "/dev/ttyUSB0", "Serial device of the receiver")
	stationCmd.Flags().Int("baud", source.DefaultBaudRate, "Baud rate of the serial line")
	stationCmd.Flags().String("tcp-addr", "localhost:4000", "Address of the TCP frame stream")
	stationCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	stationCmd.Flags().String("frame-queue", "beacon-frames", "RabbitMQ queue carrying raw frames")
	stationCmd.Flags().String("event-queue", "", "RabbitMQ queue for accepted records (empty disables)")
	stationCmd.Flags().String("byte-order", "big", "Byte order of multi-byte frame fields (big, little)")
	stationCmd.Flags().Int("http-port", 8080, "HTTP server port")
	stationCmd.Flags().Int("grpc-port", 0, "gRPC server port (0 disables)")
	addPersistenceFlags(stationCmd, "station")

	_ = viper.BindPFlag("station.source", stationCmd.Flags().Lookup("source"))
	_ = viper.BindPFlag("station.serial_path", stationCmd.Flags().Lookup("serial-path"))
	_ = viper.BindPFlag("station.baud", stationCmd.Flags().Lookup("baud"))
	_ = viper.BindPFlag("station.tcp_addr", stationCmd.Flags().Lookup("tcp-addr"))
	_ = viper.BindPFlag("station.rabbitmq.url", stationCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("station.rabbitmq.frame_queue", stationCmd.Flags().Lookup("frame-queue"))
	_ = viper.BindPFlag("station.rabbitmq.event_queue", stationCmd.Flags().Lookup("event-queue"))
	_ = viper.BindPFlag("station.byte_order", stationCmd.Flags().Lookup("byte-order"))
	_ = viper.BindPFlag("station.http.port", stationCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("station.grpc.port", stationCmd.Flags().Lookup("grpc-port"))
}

func runStation(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting beacon station service")

	config := persistenceConfig("station", logger)
	config.SourceKind = viper.GetString("station.source")
	config.SerialPath = viper.GetString("station.serial_path")
	config.BaudRate = viper.GetInt("station.baud")
	config.TCPAddr = viper.GetString("station.tcp_addr")
	config.RabbitMQURL = viper.GetString("station.rabbitmq.url")
	config.FrameQueue = viper.GetString("station.rabbitmq.frame_queue")
	config.EventQueue = viper.GetString("station.rabbitmq.event_queue")
	config.ByteOrder = viper.GetString("station.byte_order")
	config.HTTPPort = viper.GetInt("station.http.port")
	config.GRPCPort = viper.GetInt("station.grpc.port")

	server, err := station.NewServer(config)
	if err != nil {
		logger.Error("failed to create station server", "error", err)
		return err
	}

	logger.Info("station server configuration",
		"source", config.SourceKind,
		"persistence", config.PersistenceKind,
		"byte_order", config.ByteOrder,
		"event_queue", config.EventQueue,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("station server error", "error", err)
		return err
	}

	logger.Info("station server stopped")
	return nil
}
