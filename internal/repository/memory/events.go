package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// EventLog is an append-only in-memory lifecycle audit. The paging state is
// the decimal offset of the next row.
type EventLog struct {
	mu     sync.Mutex
	events map[string][]repository.LoggedEvent
}

func NewEventLog() *EventLog {
	return &EventLog{events: map[string][]repository.LoggedEvent{}}
}

func (l *EventLog) Append(ctx context.Context, event domain.LifecycleEvent, outcome string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	received := event.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.ExecutionID] = append(l.events[event.ExecutionID], repository.LoggedEvent{
		EventID:     event.EventID,
		ExecutionID: event.ExecutionID,
		Stage:       event.Stage.String(),
		Outcome:     outcome,
		Payload:     payload,
		OccurredAt:  event.OccurredAt,
		ReceivedAt:  received,
	})
	return nil
}

func (l *EventLog) List(ctx context.Context, executionID string, limit int, pagingState []byte) ([]repository.LoggedEvent, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := l.events[executionID]
	offset := 0
	if len(pagingState) > 0 {
		n, err := strconv.Atoi(string(pagingState))
		if err != nil {
			return nil, nil, err
		}
		offset = n
	}
	if offset >= len(rows) {
		return nil, nil, nil
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := append([]repository.LoggedEvent(nil), rows[offset:end]...)
	var next []byte
	if end < len(rows) {
		next = []byte(strconv.Itoa(end))
	}
	return out, next, nil
}
