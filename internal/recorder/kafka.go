package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/edge-engine/internal/model"
)

// DefaultTopic carries one message per decision record.
const DefaultTopic = "edge.decisions"

// MessageWriter is the subset of *kafka.Writer the recorder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka streams records to a topic keyed by market ID, so one market's
// decisions stay ordered within a partition.
type Kafka struct {
	w MessageWriter
}

// NewKafkaWriter returns a writer tuned for small, frequent messages.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafka wraps a message writer.
func NewKafka(w MessageWriter) *Kafka {
	return &Kafka{w: w}
}

func (k *Kafka) Record(ctx context.Context, rec model.DecisionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recorder: encode %s: %w", rec.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.MarketID),
		Value: value,
		Time:  rec.EvaluatedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(rec.Action)},
			{Key: "record_id", Value: []byte(rec.ID)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("recorder: kafka write %s: %w", rec.ID, err)
	}
	return nil
}

// Close flushes pending batches.
func (k *Kafka) Close() error {
	return k.w.Close()
}
