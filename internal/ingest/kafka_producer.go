// Package ingest moves driver data in and out of Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-availability/internal/models"
)

const writeTimeout = 2 * time.Second

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes driver and trip events keyed by driver id, so all
// events of one driver land on the same partition in order.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter is used by tests and by callers that share a writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishDriverEvent(ctx context.Context, ev models.DriverEvent) error {
	return k.publish(ctx, ev.DriverID, ev.Type, ev)
}

func (k *KafkaPublisher) PublishTripEvent(ctx context.Context, ev models.TripEvent) error {
	key := ev.TripID
	if ev.Trip != nil {
		key = ev.Trip.DriverID
	}
	return k.publish(ctx, key, ev.Type, ev)
}

// PublishLocation writes a raw device ping, the format cmd/consumer reads.
func (k *KafkaPublisher) PublishLocation(ctx context.Context, p models.LocationPing) error {
	return k.publish(ctx, p.DriverID, "location_ping", p)
}

func (k *KafkaPublisher) publish(ctx context.Context, key, kind string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a location message and checks it is usable.
func DecodeLocation(value []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(value, &p); err != nil {
		return p, fmt.Errorf("decode location: %w", err)
	}
	if p.DriverID == "" {
		return p, fmt.Errorf("decode location: missing driver_id")
	}
	return p, nil
}
