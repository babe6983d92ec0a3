package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/call-orchestrator/internal/domain"
)

// OutcomePublisher emits terminal call outcomes and exhausted retries.
type OutcomePublisher struct {
	writer *kafka.Writer
}

// NewOutcomePublisher constructs an outcome publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return &OutcomePublisher{writer: k.NewWriter(topic)}
}

// PublishOutcome emits an outcome message keyed by tenant and phone.
func (p *OutcomePublisher) PublishOutcome(ctx context.Context, event domain.CallOutcomeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(event.TenantID.String() + ":" + event.Phone),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			header(HeaderEventType, EventTypeOutcome),
			header(HeaderTenantID, event.TenantID.String()),
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
