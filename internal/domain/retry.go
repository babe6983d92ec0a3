package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetryPolicy defines retry rules for retryable call outcomes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// RetryEntry records a pending retry for a queue entry.
type RetryEntry struct {
	ID             uuid.UUID
	QueueEntryID   uuid.UUID
	TenantID       uuid.UUID
	CallID         *uuid.UUID
	Reason         Outcome
	Attempt        int
	NextEligibleAt time.Time
	CreatedAt      time.Time
}
