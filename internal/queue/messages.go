package queue

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/call-orchestrator/internal/domain"
)

// Header keys set on every message this service produces.
const (
	HeaderEventType = "event-type"
	HeaderTenantID  = "tenant-id"
)

// Event types carried in HeaderEventType.
const (
	EventTypeLifecycle = "call.lifecycle"
	EventTypeOutcome   = "call.outcome"
)

// DecodeLifecycle parses a lifecycle message written by LifecyclePublisher.
func DecodeLifecycle(msg kafka.Message) (domain.LifecycleEvent, error) {
	var event domain.LifecycleEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.LifecycleEvent{}, fmt.Errorf("decode lifecycle event: %w", err)
	}
	if event.ExecutionID == "" {
		event.ExecutionID = string(msg.Key)
	}
	return event, nil
}

// DecodeOutcome parses an outcome message written by OutcomePublisher.
func DecodeOutcome(msg kafka.Message) (domain.CallOutcomeEvent, error) {
	var event domain.CallOutcomeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.CallOutcomeEvent{}, fmt.Errorf("decode outcome event: %w", err)
	}
	return event, nil
}

func header(key, value string) kafka.Header {
	return kafka.Header{Key: key, Value: []byte(value)}
}
