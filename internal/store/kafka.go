package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// MessageWriter is the subset of kafka.Writer used by the sink
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams events to a topic keyed by symbol so one symbol's
// events stay in one partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger *logger.Logger
}

// NewKafkaWriter builds the producer used in production
func NewKafkaWriter(cfg config.KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 100 * time.Millisecond,
	}, nil
}

// NewKafkaSink wraps writer. The writer owns the topic.
func NewKafkaSink(writer MessageWriter, topic string, log *logger.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic, logger: log.Component("store_kafka")}
}

// Name implements events.Sink
func (s *KafkaSink) Name() string { return "kafka" }

// Handle implements events.Sink
func (s *KafkaSink) Handle(ctx context.Context, evt contracts.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}

	key := evt.Symbol
	if key == "" {
		key = string(evt.Kind)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(evt.Kind)},
			{Key: "event_id", Value: []byte(evt.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Kind, s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
