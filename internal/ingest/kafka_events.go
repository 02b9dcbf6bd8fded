package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventWriter mirrors every dispatch broadcast onto a Kafka topic so
// downstream consumers (analytics, notification workers) see the same stream
// the websocket clients do. Messages are keyed by channel to keep per-driver
// and per-passenger ordering within a partition.
type EventWriter struct {
	writer  messageWriter
	timeout time.Duration
}

// NewEventWriter returns a synchronous writer: Publish reports broker
// failures to the caller instead of dropping them in the background.
func NewEventWriter(brokers []string, topic string) *EventWriter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &EventWriter{writer: w, timeout: 2 * time.Second}
}

func (k *EventWriter) Publish(ctx context.Context, channel, eventType string, payload any) error {
	msg, err := eventMessage(channel, eventType, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func eventMessage(channel, eventType string, payload any) (kafka.Message, error) {
	b, err := json.Marshal(dispatch.NewEnvelope(channel, eventType, payload))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(channel),
		Value:   b,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(eventType)}},
	}, nil
}

func (k *EventWriter) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
