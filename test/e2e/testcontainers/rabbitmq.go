// Package testcontainers starts the PostgreSQL and RabbitMQ containers used by
// the end-to-end suites.
package testcontainers

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultVHost isolates the frame and event queues of a suite.
const DefaultVHost = "beacons"

// RabbitMQConfig configures the broker container. Empty fields use guest/guest
// and DefaultVHost.
type RabbitMQConfig struct {
	User          string
	Password      string
	VHost         string
	ContainerName string
}

// StartRabbitMQ starts a broker and returns it together with the AMQP URL of
// its virtual host, ready for mq.Config.Addr.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	cfg := RabbitMQConfig{User: "guest", Password: "guest", VHost: DefaultVHost}
	if config != nil {
		cfg.ContainerName = config.ContainerName
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
		if config.VHost != "" {
			cfg.VHost = config.VHost
		}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			),
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER":  cfg.User,
				"RABBITMQ_DEFAULT_PASS":  cfg.Password,
				"RABBITMQ_DEFAULT_VHOST": cfg.VHost,
			},
			Name: cfg.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, port, err := endpoint(ctx, container, "5672")
	if err != nil {
		return nil, "", err
	}

	amqpURL := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + cfg.VHost,
	}
	return container, amqpURL.String(), nil
}

// endpoint resolves the host and mapped port of a started container. The
// container is terminated when either lookup fails.
func endpoint(ctx context.Context, container testcontainers.Container, port string) (string, string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", "", terminateAfter(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return "", "", terminateAfter(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return host, mapped.Port(), nil
}

func terminateAfter(ctx context.Context, container testcontainers.Container, err error) error {
	if termErr := container.Terminate(ctx); termErr != nil {
		return fmt.Errorf("%w (cleanup error: %w)", err, termErr)
	}
	return err
}
