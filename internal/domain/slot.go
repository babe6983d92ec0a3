package domain

import (
	"time"

	"github.com/google/uuid"
)

// Slot is one unit of concurrency capacity held by an in-flight call.
type Slot struct {
	CallID     uuid.UUID
	TenantID   uuid.UUID
	AcquiredAt time.Time
}

// ConcurrencyStatus is the dashboard view of a tenant's capacity.
type ConcurrencyStatus struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}
