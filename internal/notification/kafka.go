package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"signal-radar/internal/model"
)

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka channel.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" validate:"required,min=1"`
	Topic        string        `yaml:"topic" default:"signal-radar.events" validate:"required"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// KafkaChannel publishes one record per signal event, keyed by symbol, so
// downstream consumers receive the structured events rather than the digest.
type KafkaChannel struct {
	name   string
	topic  string
	writer messageWriter
}

// NewKafkaChannel creates a Kafka channel. The writer does not retry on its
// own; the dispatcher owns retries.
func NewKafkaChannel(name string, cfg KafkaConfig) *KafkaChannel {
	if name == "" {
		name = "kafka"
	}
	return &KafkaChannel{
		name:  name,
		topic: cfg.Topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1,
			WriteTimeout: cfg.WriteTimeout,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (k *KafkaChannel) Name() string { return k.name }

// kafkaRecord is the JSON value of one published record.
type kafkaRecord struct {
	Bucket  string            `json:"bucket,omitempty"`
	Level   string            `json:"level"`
	Subject string            `json:"subject"`
	Event   model.SignalEvent `json:"event"`
}

// buildRecords turns a message into Kafka records. Messages without events
// (operational alerts) become a single record keyed by level.
func (k *KafkaChannel) buildRecords(msg Message) ([]kafka.Message, error) {
	now := time.Now()
	if len(msg.Events) == 0 {
		v, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		return []kafka.Message{{Key: []byte(msg.Level), Value: v, Time: now}}, nil
	}

	out := make([]kafka.Message, 0, len(msg.Events))
	for _, e := range msg.Events {
		v, err := json.Marshal(kafkaRecord{
			Bucket:  msg.Bucket,
			Level:   string(msg.Level),
			Subject: msg.Subject,
			Event:   e,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, kafka.Message{
			Key:   []byte(e.Market + ":" + e.Symbol),
			Value: v,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(e.Kind)},
				{Key: "fingerprint", Value: []byte(e.Fingerprint)},
			},
		})
	}
	return out, nil
}

func (k *KafkaChannel) Send(ctx context.Context, msg Message) error {
	records, err := k.buildRecords(msg)
	if err != nil {
		return &PermanentError{Channel: k.name, Err: fmt.Errorf("marshal: %w", err)}
	}
	if err := k.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("kafka: write %d records to %s: %w", len(records), k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaChannel) Close() error {
	return k.writer.Close()
}
