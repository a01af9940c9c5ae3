package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/beacon-station/internal/station"
	"procodus.dev/beacon-station/internal/store"
	"procodus.dev/beacon-station/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/beacon-station/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// BEACON_STATION_STATION_HTTP_PORT overrides station.http.port, and so on.
	viper.SetEnvPrefix("BEACON_STATION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a logger writing to stdout based on configuration.
func GetLogger() *slog.Logger {
	return newLogger(os.Stdout)
}

// GetStderrLogger creates a logger that keeps stdout free for command output.
func GetStderrLogger() *slog.Logger {
	return newLogger(os.Stderr)
}

func newLogger(w io.Writer) *slog.Logger {
	return logger.New(&logger.Config{
		Output: w,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Format: logger.ParseFormat(viper.GetString("log.format")),
	})
}

// addPersistenceFlags registers the persistence flags under the given viper prefix.
func addPersistenceFlags(cmd *cobra.Command, prefix string) {
	cmd.Flags().String("persistence", station.PersistenceFile, "Persistence backend (file, bolt, postgres)")
	cmd.Flags().String("data-dir", "data", "Directory of the JSON collection files")
	cmd.Flags().String("bolt-path", "beacons.db", "bbolt database file")
	cmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "beacons", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	_ = viper.BindPFlag(prefix+".persistence", cmd.Flags().Lookup("persistence"))
	_ = viper.BindPFlag(prefix+".data_dir", cmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag(prefix+".bolt_path", cmd.Flags().Lookup("bolt-path"))
	_ = viper.BindPFlag(prefix+".db.host", cmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag(prefix+".db.port", cmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag(prefix+".db.user", cmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag(prefix+".db.password", cmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag(prefix+".db.name", cmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag(prefix+".db.sslmode", cmd.Flags().Lookup("db-sslmode"))
}

// persistenceConfig reads the persistence settings bound by addPersistenceFlags.
func persistenceConfig(prefix string, l *slog.Logger) *station.ServerConfig {
	return &station.ServerConfig{
		Logger:          l,
		PersistenceKind: viper.GetString(prefix + ".persistence"),
		DataDir:         viper.GetString(prefix + ".data_dir"),
		BoltPath:        viper.GetString(prefix + ".bolt_path"),
		DB: store.GormConfig{
			Host:     viper.GetString(prefix + ".db.host"),
			Port:     viper.GetInt(prefix + ".db.port"),
			User:     viper.GetString(prefix + ".db.user"),
			Password: viper.GetString(prefix + ".db.password"),
			DBName:   viper.GetString(prefix + ".db.name"),
			SSLMode:  viper.GetString(prefix + ".db.sslmode"),
		},
	}
}
