package domain

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders queue entries; higher values are dispatched first.
type Priority int

const (
	PriorityCampaign Priority = 1
	PriorityDirect   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityDirect:
		return "direct"
	case PriorityCampaign:
		return "campaign"
	default:
		return "unknown"
	}
}

// QueueStatus enumerates call queue entry states.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusClaimed    QueueStatus = "claimed"
	QueueStatusDispatched QueueStatus = "dispatched"
	QueueStatusDone       QueueStatus = "done"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueEntry is a pending call request.
type QueueEntry struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	CampaignID  *uuid.UUID
	ContactID   *uuid.UUID
	AgentID     string
	Phone       string
	Priority    Priority
	Status      QueueStatus
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
	EligibleAt  time.Time
	ClaimedAt   *time.Time
	ClaimedBy   string
	CallID      *uuid.UUID
	LastError   string
	Metadata    map[string]any
	UpdatedAt   time.Time
}

// Open reports whether the entry may still produce a call attempt.
func (e *QueueEntry) Open() bool {
	switch e.Status {
	case QueueStatusQueued, QueueStatusClaimed, QueueStatusDispatched:
		return true
	}
	return false
}
