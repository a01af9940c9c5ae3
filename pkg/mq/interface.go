package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the queue surface used by frame sources, publishers and
// the simulator. It is satisfied by Client and by mock.MockClient.
type ClientInterface interface {
	// Push publishes data and blocks until the broker confirms it.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes data without waiting for a confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume delivers queue items. Every delivery must be acked or nacked.
	Consume() (<-chan amqp.Delivery, error)

	// Close shuts down the channel and connection.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
