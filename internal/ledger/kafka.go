package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by Kafka.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one JSON event per assignment, keyed by activation code.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka creates a publisher for topic on brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka ledger requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka ledger requires a topic")
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// Append implements Appender.
func (k *Kafka) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	at := e.AssignedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(e.Code),
		Value: payload,
		Time:  at,
	}); err != nil {
		return fmt.Errorf("kafka ledger publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
