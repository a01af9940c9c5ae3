package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/beacon-station/pkg/beacon"
	"procodus.dev/beacon-station/pkg/mq"
)

// DefaultEventBuffer is the number of events held while the broker is slow.
const DefaultEventBuffer = 256

// Event field names.
const (
	EventSenderID  = "sender_id"
	EventMessageID = "message_id"
	EventLatitude  = "latitude"
	EventLongitude = "longitude"
	EventBattery   = "battery"
	EventPanic     = "panic"
	EventTimestamp = "timestamp"
)

// EventPublisherConfig holds the configuration for an EventPublisher.
type EventPublisherConfig struct {
	Logger *slog.Logger
	Client mq.ClientInterface
	// Buffer defaults to DefaultEventBuffer.
	Buffer int
}

// EventPublisher pushes accepted records to a queue as protobuf Struct
// messages. Publish never blocks; events are dropped when the buffer is full.
type EventPublisher struct {
	logger  *slog.Logger
	client  mq.ClientInterface
	events  chan beacon.Record
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewEventPublisher creates an EventPublisher. Call Run to start delivery.
func NewEventPublisher(cfg *EventPublisherConfig) (*EventPublisher, error) {
	if cfg == nil {
		return nil, errors.New("event publisher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}

	return &EventPublisher{
		logger: cfg.Logger,
		client: cfg.Client,
		events: make(chan beacon.Record, buffer),
	}, nil
}

// Publish queues rec for delivery.
func (p *EventPublisher) Publish(rec beacon.Record) {
	select {
	case p.events <- rec:
	default:
		p.dropped.Add(1)
		p.logger.Warn("event buffer full, dropping event", "sender_id", rec.SenderID)
	}
}

// Run delivers queued events until ctx ends.
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.events:
			if err := p.push(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("failed to publish event",
					"sender_id", rec.SenderID,
					"error", err,
				)
				continue
			}
			p.sent.Add(1)
		}
	}
}

func (p *EventPublisher) push(ctx context.Context, rec beacon.Record) error {
	data, err := MarshalEvent(rec)
	if err != nil {
		return err
	}
	return p.client.Push(ctx, data)
}

// Sent returns how many events were confirmed by the broker.
func (p *EventPublisher) Sent() uint64 {
	return p.sent.Load()
}

// Dropped returns how many events were discarded.
func (p *EventPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// EventOf converts rec to a Struct.
func EventOf(rec beacon.Record) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		EventSenderID:  float64(rec.SenderID),
		EventMessageID: float64(rec.MessageID),
		EventLatitude:  float64(rec.Latitude),
		EventLongitude: float64(rec.Longitude),
		EventBattery:   float64(rec.Battery),
		EventPanic:     rec.Panic,
		EventTimestamp: rec.Timestamp.UTC().Format(time.RFC3339),
	})
}

// MarshalEvent encodes rec as a serialized Struct.
func MarshalEvent(rec beacon.Record) ([]byte, error) {
	event, err := EventOf(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to build event: %w", err)
	}

	data, err := proto.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// UnmarshalEvent decodes an event produced by MarshalEvent.
func UnmarshalEvent(data []byte) (beacon.Record, error) {
	var event structpb.Struct
	if err := proto.Unmarshal(data, &event); err != nil {
		return beacon.Record{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	fields := event.GetFields()
	ts, err := time.Parse(time.RFC3339, fields[EventTimestamp].GetStringValue())
	if err != nil {
		return beacon.Record{}, fmt.Errorf("failed to parse event timestamp: %w", err)
	}

	return beacon.Record{
		SenderID:  uint16(fields[EventSenderID].GetNumberValue()),
		MessageID: uint16(fields[EventMessageID].GetNumberValue()),
		Latitude:  float32(fields[EventLatitude].GetNumberValue()),
		Longitude: float32(fields[EventLongitude].GetNumberValue()),
		Battery:   uint8(fields[EventBattery].GetNumberValue()),
		Panic:     fields[EventPanic].GetBoolValue(),
		Timestamp: ts.UTC(),
	}, nil
}
