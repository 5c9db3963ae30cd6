package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mcp_gateway/backend/go/internal/config"
	"mcp_gateway/backend/go/internal/models"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProgressPublisher sends progress events to Kafka as TaskLogEntry JSON,
// keyed by progress token so that one token's events stay in one partition.
type ProgressPublisher struct {
	writer messageWriter
}

// NewProgressPublisher creates a publisher for the configured topic. The
// writer is asynchronous: Publish does not wait for the broker.
func NewProgressPublisher(cfg *config.KafkaConfig) *ProgressPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        TopicOf(cfg),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        true,
	}
	return &ProgressPublisher{writer: writer}
}

// Publish implements progress.Sink.
func (p *ProgressPublisher) Publish(ctx context.Context, ev models.ProgressEvent) error {
	entry := models.NewTaskLogEntry(ev)
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.TaskID),
		Value: jsonData,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *ProgressPublisher) Close() error {
	return p.writer.Close()
}
