package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dog-best/meta-sub000/internal/retry"
)

// KafkaPublisher writes order events to a Kafka topic keyed by order id,
// so every event for one order lands on the same partition in version
// order.
type KafkaPublisher struct {
	writer  messageWriter
	retries retry.Policy
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		retries: retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...OrderEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		v, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event for order %s: %w", e.OrderID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.OrderID),
			Value: v,
			Time:  e.At,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := k.retries.Do(ctx, func() error {
		return k.writer.WriteMessages(ctx, msgs...)
	}); err != nil {
		return fmt.Errorf("write %d order events: %w", len(msgs), err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
