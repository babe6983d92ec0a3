package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the externally visible state of a call.
type CallStatus string

const (
	CallStatusInitiated    CallStatus = "initiated"
	CallStatusRinging      CallStatus = "ringing"
	CallStatusInProgress   CallStatus = "in-progress"
	CallStatusDisconnected CallStatus = "disconnected"
	CallStatusCompleted    CallStatus = "completed"
	CallStatusFailed       CallStatus = "failed"
	CallStatusCancelled    CallStatus = "cancelled"
)

// StatusForStage maps a lifecycle stage onto the call status it produces.
func StatusForStage(s Stage) CallStatus {
	switch s {
	case StageRinging:
		return CallStatusRinging
	case StageInProgress:
		return CallStatusInProgress
	case StageDisconnected:
		return CallStatusDisconnected
	case StageCompleted:
		return CallStatusCompleted
	case StageFailed:
		return CallStatusFailed
	case StageCancelled:
		return CallStatusCancelled
	default:
		return CallStatusInitiated
	}
}

// Outcome classifies how a terminal call ended.
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeCompleted     Outcome = "completed"
	OutcomeBusy          Outcome = "busy"
	OutcomeNoAnswer      Outcome = "no-answer"
	OutcomeVoicemail     Outcome = "voicemail"
	OutcomeProviderError Outcome = "provider-error"
	OutcomeRejected      Outcome = "rejected"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeExhausted     Outcome = "retries-exhausted"
)

// Retryable reports whether the outcome is routed to the retry coordinator.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeBusy, OutcomeNoAnswer, OutcomeVoicemail, OutcomeProviderError:
		return true
	}
	return false
}

// OutcomeForReason maps a provider failure reason onto an outcome.
func OutcomeForReason(reason string) Outcome {
	switch normalizeReason(reason) {
	case "busy", "user-busy", "line-busy":
		return OutcomeBusy
	case "no-answer", "noanswer", "unanswered", "ring-timeout":
		return OutcomeNoAnswer
	case "provider-error", "timeout", "internal-error", "service-unavailable", "network-error":
		return OutcomeProviderError
	case "voicemail", "machine":
		return OutcomeVoicemail
	default:
		return OutcomeRejected
	}
}

// AnalysisStatus tracks transcript analysis for a completed call.
type AnalysisStatus string

const (
	AnalysisNone    AnalysisStatus = ""
	AnalysisPending AnalysisStatus = "pending"
	AnalysisDone    AnalysisStatus = "done"
	AnalysisFailed  AnalysisStatus = "failed"
)

// Call is the record of one provider call execution.
type Call struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	AgentID        string
	CampaignID     *uuid.UUID
	QueueEntryID   *uuid.UUID
	ExecutionID    string
	Phone          string
	Status         CallStatus
	Stage          Stage
	Outcome        Outcome
	Duration       int
	RecordingURL   string
	HangupReason   string
	Transcript     string
	Summary        string
	Synthesized    bool
	AnalysisStatus AnalysisStatus
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	EndedAt        *time.Time
}

// Terminal reports whether the call reached a terminal stage.
func (c *Call) Terminal() bool {
	return c.Stage.Terminal()
}

func normalizeReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	return strings.NewReplacer("_", "-", " ", "-").Replace(reason)
}
