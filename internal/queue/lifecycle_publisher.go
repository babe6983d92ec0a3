package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/call-orchestrator/internal/domain"
)

// LifecyclePublisher forwards provider webhooks to the lifecycle topic keyed
// by execution id, so every event of one call is consumed from one partition.
type LifecyclePublisher struct {
	writer *kafka.Writer
}

// NewLifecyclePublisher constructs a publisher for the given topic.
func NewLifecyclePublisher(k *Kafka, topic string) *LifecyclePublisher {
	return &LifecyclePublisher{writer: k.NewWriter(topic)}
}

// Publish writes the event to Kafka.
func (p *LifecyclePublisher) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	if event.ExecutionID == "" {
		return fmt.Errorf("lifecycle publisher: missing execution id")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("lifecycle publisher: marshal event: %w", err)
	}

	record := kafka.Message{
		Key:     []byte(event.ExecutionID),
		Value:   value,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{header(HeaderEventType, EventTypeLifecycle)},
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("lifecycle publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *LifecyclePublisher) Close() error {
	return p.writer.Close()
}
