package outbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes outbox messages to a single Kafka topic, keyed by aggregate.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w}
}

// Publish sends msgs in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs []Message) error {
	if err := p.writer.WriteMessages(ctx, toKafka(msgs)...); err != nil {
		return fmt.Errorf("outbox: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toKafka(msgs []Message) []kafka.Message {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Key:   []byte(m.AggregateKey),
			Value: m.Payload,
			Time:  m.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(m.Topic)},
				{Key: "outbox_id", Value: []byte(strconv.FormatInt(m.ID, 10))},
			},
		})
	}
	return out
}
