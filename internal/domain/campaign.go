package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// ClockTime is a wall-clock time of day expressed in minutes after midnight.
type ClockTime int

// ParseClockTime parses "HH:MM".
func ParseClockTime(value string) (ClockTime, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("parse clock time %q: %w", value, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// Hour returns the hour component.
func (c ClockTime) Hour() int { return int(c) / 60 }

// Minute returns the minute component.
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Campaign models an outbound campaign and the daily window it may dial in.
type Campaign struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	AgentID           string
	Name              string
	WindowStart       ClockTime
	WindowEnd         ClockTime
	Timezone          string
	UseCustomTimezone bool
	Status            CampaignStatus
	// Cursor is the position of the last contact pushed into the call queue.
	Cursor      int64
	BatchSize   int
	RetryPolicy RetryPolicy
	StartsAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Overnight reports whether the window closes on the following local day.
func (c *Campaign) Overnight() bool {
	return c.WindowEnd < c.WindowStart
}

// Contact is a campaign target, ordered by Position.
type Contact struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	CampaignID uuid.UUID
	Position   int64
	Phone      string
	Name       string
	Payload    map[string]any
}

// CampaignStats aggregates campaign counters.
type CampaignStats struct {
	TotalCalls     int64 `db:"total_calls"`
	CompletedCalls int64 `db:"completed_calls"`
	FailedCalls    int64 `db:"failed_calls"`
	RetriedCalls   int64 `db:"retried_calls"`
	ExhaustedCalls int64 `db:"exhausted_calls"`
}
