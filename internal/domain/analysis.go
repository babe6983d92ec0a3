package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisKind separates the two analytics views. Call-level listings read
// only individual rows; contact profiles read only the complete row.
type AnalysisKind string

const (
	AnalysisKindIndividual AnalysisKind = "individual"
	AnalysisKindComplete   AnalysisKind = "complete"
)

// LeadStatus is the coarse lead temperature derived from scores.
type LeadStatus string

const (
	LeadStatusHot     LeadStatus = "hot"
	LeadStatusWarm    LeadStatus = "warm"
	LeadStatusCold    LeadStatus = "cold"
	LeadStatusUnknown LeadStatus = "unknown"
)

// LeadScores are the per-call scores on a 0-100 scale.
type LeadScores struct {
	Intent     int `json:"intent"`
	Urgency    int `json:"urgency"`
	Budget     int `json:"budget"`
	Fit        int `json:"fit"`
	Engagement int `json:"engagement"`
}

// Overall is the unweighted mean of all scores.
func (s LeadScores) Overall() int {
	return (s.Intent + s.Urgency + s.Budget + s.Fit + s.Engagement) / 5
}

// Status buckets the overall score.
func (s LeadScores) Status() LeadStatus {
	switch overall := s.Overall(); {
	case overall >= 70:
		return LeadStatusHot
	case overall >= 40:
		return LeadStatusWarm
	default:
		return LeadStatusCold
	}
}

// Extraction holds identity fields the analyzer pulled from a transcript.
type Extraction struct {
	Name    string            `json:"name,omitempty"`
	Email   string            `json:"email,omitempty"`
	Company string            `json:"company,omitempty"`
	Role    string            `json:"role,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Merge overlays non-empty fields of next onto e.
func (e Extraction) Merge(next Extraction) Extraction {
	out := e
	if next.Name != "" {
		out.Name = next.Name
	}
	if next.Email != "" {
		out.Email = next.Email
	}
	if next.Company != "" {
		out.Company = next.Company
	}
	if next.Role != "" {
		out.Role = next.Role
	}
	if len(next.Extra) > 0 {
		merged := make(map[string]string, len(e.Extra)+len(next.Extra))
		for k, v := range e.Extra {
			merged[k] = v
		}
		for k, v := range next.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// AnalysisResult is what the transcript analyzer returns.
type AnalysisResult struct {
	Scores     LeadScores `json:"scores"`
	Extraction Extraction `json:"extraction"`
	Summary    string     `json:"summary"`
}

// LeadAnalysis is a row of either kind. Individual rows carry CallID;
// complete rows are keyed by (TenantID, Phone) and carry the counters.
type LeadAnalysis struct {
	ID         uuid.UUID
	Kind       AnalysisKind
	TenantID   uuid.UUID
	Phone      string
	CallID     *uuid.UUID
	Scores     LeadScores
	LeadStatus LeadStatus
	Extraction Extraction
	Summary    string

	InteractionCount       int
	SuccessfulInteractions int
	FailedInteractions     int
	LastCallID             *uuid.UUID
	LastOutcome            Outcome
	LastInteractionAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
