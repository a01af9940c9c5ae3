// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/beacon-station/pkg/mq"
)

// MockClient is a mock implementation of mq.ClientInterface. It records calls
// and returns the configured values.
type MockClient struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, data []byte) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// PushCalls holds the payload of every Push call.
	PushCalls [][]byte

	// UnsafePushFunc is called when UnsafePush is invoked. If nil, returns UnsafePushError.
	UnsafePushFunc func(ctx context.Context, data []byte) error
	// UnsafePushError is returned by UnsafePush if UnsafePushFunc is nil.
	UnsafePushError error
	// UnsafePushCalls holds the payload of every UnsafePush call.
	UnsafePushCalls [][]byte

	// ConsumeFunc is called when Consume is invoked. If nil, returns Deliveries and ConsumeError.
	ConsumeFunc func() (<-chan amqp.Delivery, error)
	// Deliveries is returned by Consume if ConsumeFunc is nil. Feed it with Deliver.
	Deliveries chan amqp.Delivery
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int

	// Acks records the acknowledgements of deliveries created by Deliver.
	Acks *Acknowledger
}

// NewMockClient creates a MockClient whose calls all succeed.
func NewMockClient() *MockClient {
	return &MockClient{
		Deliveries: make(chan amqp.Delivery, 16),
		Acks:       &Acknowledger{},
	}
}

// Push implements mq.ClientInterface.
func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	m.PushCalls = append(m.PushCalls, append([]byte(nil), data...))
	fn, err := m.PushFunc, m.PushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, data)
	}
	return err
}

// UnsafePush implements mq.ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, data []byte) error {
	m.mu.Lock()
	m.UnsafePushCalls = append(m.UnsafePushCalls, append([]byte(nil), data...))
	fn, err := m.UnsafePushFunc, m.UnsafePushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, data)
	}
	return err
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++

	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	return m.Deliveries, nil
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Deliver queues body on Deliveries with a recording acknowledger.
func (m *MockClient) Deliver(body []byte) {
	m.mu.Lock()
	tag := uint64(m.Acks.delivered()) + 1
	m.mu.Unlock()

	m.Deliveries <- amqp.Delivery{
		Acknowledger: m.Acks,
		DeliveryTag:  tag,
		Body:         body,
	}
}

// Pushed returns a copy of the payloads passed to Push.
func (m *MockClient) Pushed() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([][]byte(nil), m.PushCalls...)
}

// Closed returns how many times Close was called.
func (m *MockClient) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.CloseCalls
}

// Reset clears all tracked calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = nil
	m.UnsafePushCalls = nil
	m.ConsumeCalls = 0
	m.CloseCalls = 0
	m.Acks = &Acknowledger{}
}

// Acknowledger records acks and nacks by delivery tag.
type Acknowledger struct {
	mu     sync.Mutex
	count  int
	Acked  []uint64
	Nacked []uint64
}

func (a *Acknowledger) delivered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return a.count - 1
}

// Ack implements amqp.Acknowledger.
func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked = append(a.Acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (a *Acknowledger) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	return nil
}

// Reject implements amqp.Acknowledger.
func (a *Acknowledger) Reject(tag uint64, _ bool) error {
	return a.Nack(tag, false, false)
}

// AckedCount returns the number of acked deliveries.
func (a *Acknowledger) AckedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acked)
}

// NackedCount returns the number of nacked deliveries.
func (a *Acknowledger) NackedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Nacked)
}

var (
	_ mq.ClientInterface = (*MockClient)(nil)
	_ amqp.Acknowledger  = (*Acknowledger)(nil)
)
