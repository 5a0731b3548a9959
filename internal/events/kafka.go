package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/metrics"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaPublisher.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a topic, keyed by user so that one user's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer KafkaWriter
	logger *zap.Logger
}

// NewKafkaWriter builds an async batching writer for the given brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

// NewKafkaPublisher wraps a writer.
func NewKafkaPublisher(writer KafkaWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("event_id", e.ID), zap.Error(err))
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		return
	}

	msg := kafka.Message{
		Key:   []byte(e.UserID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.Error(err))
		metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
