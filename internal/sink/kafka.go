package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/florianilch/hcbridge/internal/eventstream"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events to a Kafka topic, keyed by appliance id so
// events of one appliance stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// kafkaBatchTimeout bounds how long a synchronous write waits for a batch to
// fill. Publish writes one event at a time, so the batch never fills.
const kafkaBatchTimeout = 10 * time.Millisecond

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: DefaultWriteTimeout,
		BatchTimeout: kafkaBatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}, nil
}

// NewKafkaPublisher creates a publisher that writes through w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Handle publishes ev. Failures are logged; the event is not retried.
func (p *KafkaPublisher) Handle(ctx context.Context, ev eventstream.Event) {
	if err := p.Publish(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "failed to publish event to kafka", "event", ev.Event, "id", ev.ID, "error", err)
	}
}

// Publish writes ev as one JSON message.
func (p *KafkaPublisher) Publish(ctx context.Context, ev eventstream.Event) error {
	value, err := encode(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ApplianceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Event)},
		},
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
