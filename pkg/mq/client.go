// Package mq provides a RabbitMQ client with automatic reconnection, used to
// carry beacon frames and station events.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/beacon-station/pkg/metrics"
)

// DefaultContentType is used for published messages when Config.ContentType is empty.
const DefaultContentType = "application/octet-stream"

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	// ErrNotConnected is returned while the client has no usable channel.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrAlreadyClosed is returned by Close when there is nothing left to close.
	ErrAlreadyClosed = errors.New("already closed: not connected to the server")
	// ErrShutdown is returned by Push when Close is called while it waits.
	ErrShutdown = errors.New("client is shutting down")
	// ErrMaxRetriesExceeded is returned by Push after repeated failures.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Config holds the configuration for a Client.
type Config struct {
	Logger *slog.Logger
	// Metrics is optional.
	Metrics     *metrics.MQMetrics
	QueueName   string
	Addr        string
	ContentType string
	// Durable declares the queue durable and publishes persistent messages.
	Durable bool
}

// Client is a RabbitMQ client bound to one queue. It reconnects in the
// background and confirms every Push.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	contentType     string
	durable         bool
	isReady         bool
	metrics         *metrics.MQMetrics
}

// New creates a client and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.Addr == "" {
		return nil, errors.New("broker address cannot be empty")
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	client := &Client{
		m:           &sync.Mutex{},
		logger:      cfg.Logger.With("queue", cfg.QueueName),
		queueName:   cfg.QueueName,
		contentType: contentType,
		durable:     cfg.Durable,
		metrics:     cfg.Metrics,
		done:        make(chan struct{}),
	}
	go client.handleReconnect(cfg.Addr)
	return client, nil
}

// QueueName returns the queue the client is bound to.
func (client *Client) QueueName() string {
	return client.queueName
}

// Ready reports whether the client currently has a usable channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

// handleReconnect waits for a connection error on notifyConnClose and then
// keeps trying to reconnect until the client is closed.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit waits for a channel error and re-initializes the channel.
// It returns true once the client is closed.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done")

	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// wait sleeps for the current backoff and grows it. It returns a non-nil
// error when ctx ends or the client is closed first.
func (client *Client) wait(ctx context.Context, backoff *time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return ErrShutdown
	case <-time.After(*backoff):
	}

	*backoff *= backoffMultiplier
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return nil
}

// Push publishes data and waits for the broker to confirm it. While the client
// is disconnected or the broker nacks, Push retries with exponential backoff
// and gives up with ErrMaxRetriesExceeded.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			client.pushFailed("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		if !client.Ready() {
			client.logger.Debug("not connected, waiting for reconnection",
				"backoff", backoff,
				"attempt", attempt,
			)
			if err := client.wait(ctx, &backoff); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePush(ctx, data); err != nil {
			client.logger.Warn("push failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"attempt", attempt,
			)
			if err := client.wait(ctx, &backoff); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			client.pushFailed("context_canceled")
			return ctx.Err()
		case <-client.done:
			return ErrShutdown
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
				}
				client.logger.Debug("push confirmed",
					"delivery_tag", confirm.DeliveryTag,
					"attempt", attempt,
				)
				return nil
			}

			client.logger.Warn("push not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff,
			)
			if err := client.wait(ctx, &backoff); err != nil {
				return err
			}
		}
	}
}

func (client *Client) pushFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// UnsafePush publishes data without waiting for a confirmation.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	deliveryMode := amqp.Transient
	if client.durable {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  client.contentType,
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

// Consume starts delivering queue items with a prefetch of one. Every delivery
// must be acked or nacked.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close stops reconnecting and shuts down the channel and connection. It
// returns ErrAlreadyClosed when no connection was open.
func (client *Client) Close() error {
	client.closeOnce.Do(func() { close(client.done) })

	client.m.Lock()
	// isReady is read and written by the reconnect loop, hold the lock throughout.
	defer client.m.Unlock()

	if !client.isReady {
		return ErrAlreadyClosed
	}
	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
