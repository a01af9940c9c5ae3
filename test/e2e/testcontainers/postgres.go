package testcontainers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"procodus.dev/beacon-station/internal/store"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: postgres)
	User string
	// Password is the PostgreSQL password (default: postgres)
	Password string
	// Database is the database name (default: beacons)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartPostgres starts a PostgreSQL container and returns it together with the
// store configuration that reaches it.
func StartPostgres(ctx context.Context, config *PostgresConfig, logger *slog.Logger) (testcontainers.Container, *store.GormConfig, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Password == "" {
		config.Password = "postgres"
	}
	if config.Database == "" {
		config.Database = "beacons"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"POSTGRES_USER":     config.User,
				"POSTGRES_PASSWORD": config.Password,
				"POSTGRES_DB":       config.Database,
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, port, err := endpoint(ctx, container, "5432")
	if err != nil {
		return nil, nil, err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, nil, terminateAfter(ctx, container, fmt.Errorf("failed to parse container port: %w", err))
	}

	return container, &store.GormConfig{
		Logger:   logger,
		Host:     host,
		Port:     portNum,
		User:     config.User,
		Password: config.Password,
		DBName:   config.Database,
		SSLMode:  "disable",
	}, nil
}
