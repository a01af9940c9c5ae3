package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/beacon-station/pkg/metrics"
	"procodus.dev/beacon-station/pkg/mq"
)

// DefaultSubscribeRetry is the pause between subscription attempts while the
// queue client is still connecting.
const DefaultSubscribeRetry = 500 * time.Millisecond

// QueueConfig holds the configuration for a QueueSource.
type QueueConfig struct {
	Logger    *slog.Logger
	Client    mq.ClientInterface
	QueueName string
	// Metrics is optional.
	Metrics *metrics.MQMetrics
	// SubscribeRetry defaults to DefaultSubscribeRetry.
	SubscribeRetry time.Duration
}

// QueueSource reads one frame per AMQP delivery. A delivery is acked when the
// next frame is requested, so a frame is only acknowledged after the caller
// has processed it. The delivery pending at Close is requeued.
type QueueSource struct {
	logger     *slog.Logger
	client     mq.ClientInterface
	metrics    *metrics.MQMetrics
	queueName  string
	retry      time.Duration
	deliveries <-chan amqp.Delivery
	pending    *amqp.Delivery
	pendingAt  time.Time
	mu         sync.Mutex
	closed     bool
}

// NewQueueSource returns a source consuming from cfg.Client.
func NewQueueSource(cfg *QueueConfig) (*QueueSource, error) {
	if cfg == nil {
		return nil, errors.New("queue source config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	retry := cfg.SubscribeRetry
	if retry <= 0 {
		retry = DefaultSubscribeRetry
	}

	return &QueueSource{
		logger:    cfg.Logger,
		client:    cfg.Client,
		metrics:   cfg.Metrics,
		queueName: cfg.QueueName,
		retry:     retry,
	}, nil
}

// ReadFrame acks the previous delivery and returns the body of the next one.
// It resubscribes when the broker closes the delivery channel.
func (q *QueueSource) ReadFrame(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, &TransportError{Op: "read", Err: errors.New("queue source closed")}
	}

	q.settle(true)

	for {
		if q.deliveries == nil {
			if err := q.subscribe(ctx); err != nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				q.logger.Warn("deliveries channel closed, resubscribing")
				q.failure("channel_closed")
				q.deliveries = nil
				continue
			}

			if q.metrics != nil {
				q.metrics.MessagesConsumed.WithLabelValues(q.queueName).Inc()
			}
			q.pending = &d
			q.pendingAt = time.Now()
			return d.Body, nil
		}
	}
}

func (q *QueueSource) subscribe(ctx context.Context) error {
	for {
		deliveries, err := q.client.Consume()
		if err == nil {
			q.deliveries = deliveries
			q.logger.Info("subscribed to frame queue", "queue", q.queueName)
			return nil
		}

		if !errors.Is(err, mq.ErrNotConnected) {
			q.failure("subscribe")
			return &TransportError{Op: "subscribe", Err: err}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.retry):
		}
	}
}

// settle acks or requeues the pending delivery. Must be called with q.mu held.
func (q *QueueSource) settle(ack bool) {
	if q.pending == nil {
		return
	}
	d := q.pending
	q.pending = nil

	if q.metrics != nil {
		q.metrics.ConsumeDuration.WithLabelValues(q.queueName).Observe(time.Since(q.pendingAt).Seconds())
	}

	var err error
	if ack {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, true)
	}
	if err != nil {
		q.logger.Error("failed to settle delivery",
			"delivery_tag", d.DeliveryTag,
			"ack", ack,
			"error", err,
		)
		q.failure("settle")
	}
}

func (q *QueueSource) failure(reason string) {
	if q.metrics != nil {
		q.metrics.ConsumptionFailures.WithLabelValues(q.queueName, reason).Inc()
	}
}

// Close requeues the pending delivery and closes the client.
func (q *QueueSource) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.settle(false)

	if err := q.client.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}
