package domain

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys the dispatcher attaches to provider calls. Providers echo
// them back on webhooks.
const (
	MetadataCallID       = "call_id"
	MetadataTenantID     = "tenant_id"
	MetadataQueueEntryID = "queue_entry_id"
)

// LifecycleEvent is a provider webhook normalised onto the closed stage set.
type LifecycleEvent struct {
	EventID      uuid.UUID      `json:"event_id"`
	ExecutionID  string         `json:"execution_id"`
	Stage        Stage          `json:"stage"`
	RawStage     string         `json:"raw_stage"`
	AgentID      string         `json:"agent_id,omitempty"`
	TenantID     *uuid.UUID     `json:"tenant_id,omitempty"`
	CallID       *uuid.UUID     `json:"call_id,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Duration     int            `json:"duration,omitempty"`
	Transcript   string         `json:"transcript,omitempty"`
	RecordingURL string         `json:"recording_url,omitempty"`
	HangupReason string         `json:"hangup_reason,omitempty"`
	ErrorReason  string         `json:"error_reason,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Voicemail    *bool          `json:"voicemail,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// CallOutcomeEvent is published once per terminal call or exhausted retry.
type CallOutcomeEvent struct {
	CallID       *uuid.UUID `json:"call_id,omitempty"`
	QueueEntryID *uuid.UUID `json:"queue_entry_id,omitempty"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	CampaignID   *uuid.UUID `json:"campaign_id,omitempty"`
	Phone        string     `json:"phone"`
	Status       CallStatus `json:"status"`
	Outcome      Outcome    `json:"outcome"`
	Attempt      int        `json:"attempt"`
	Synthesized  bool       `json:"synthesized"`
	OccurredAt   time.Time  `json:"occurred_at"`
}
