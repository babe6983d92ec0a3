package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// EventLog appends every inbound lifecycle event to Scylla, partitioned by
// provider execution id.
type EventLog struct {
	session *gocql.Session
}

// NewEventLog creates a new event log.
func NewEventLog(session *gocql.Session) *EventLog {
	return &EventLog{session: session}
}

// Append writes one event with the result of handling it.
func (s *EventLog) Append(ctx context.Context, event domain.LifecycleEvent, outcome string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event log: marshal: %w", err)
	}
	received := event.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	eventID := event.EventID
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}

	if err := s.session.Query(`INSERT INTO call_events_by_execution (execution_id, received_at, event_id, stage, outcome, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, received, gocql.UUID(eventID), event.Stage.String(), outcome, event.OccurredAt, payload,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event log: insert: %w", err)
	}
	return nil
}

// List pages through the events of one execution in arrival order.
func (s *EventLog) List(ctx context.Context, executionID string, limit int, pagingState []byte) ([]repository.LoggedEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT received_at, event_id, stage, outcome, occurred_at, payload
		FROM call_events_by_execution WHERE execution_id = ?`, executionID).WithContext(ctx)
	// PageState also turns off automatic paging, so one call reads one page.
	query = query.PageSize(limit).PageState(pagingState)

	iter := query.Iter()
	events := make([]repository.LoggedEvent, 0, limit)

	var (
		received time.Time
		eventID  gocql.UUID
		stage    string
		outcome  string
		occurred time.Time
		payload  []byte
	)

	for iter.Scan(&received, &eventID, &stage, &outcome, &occurred, &payload) {
		events = append(events, repository.LoggedEvent{
			EventID:     uuid.UUID(eventID),
			ExecutionID: executionID,
			Stage:       stage,
			Outcome:     outcome,
			Payload:     append([]byte(nil), payload...),
			OccurredAt:  occurred,
			ReceivedAt:  received,
		})
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("event log: iter close: %w", err)
	}

	return events, nextState, nil
}
