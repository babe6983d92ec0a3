package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// TenantStore reads tenants. Tenant CRUD lives outside this service.
type TenantStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
}

// AgentDirectory resolves provider agents to their owning tenant.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
}

// CampaignRepository reads campaign windows and contacts, and writes the
// fields the scheduler and tenant actions own (status, cursor).
type CampaignRepository interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) error
	// AdvanceCursor moves the cursor only if it still equals from.
	AdvanceCursor(ctx context.Context, id uuid.UUID, from, to int64) (bool, error)
	NextContacts(ctx context.Context, campaignID uuid.UUID, afterPosition int64, limit int) ([]domain.Contact, error)
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	TotalCallsDelta     int64
	CompletedCallsDelta int64
	FailedCallsDelta    int64
	RetriedCallsDelta   int64
	ExhaustedCallsDelta int64
}

// QueueStore is the durable call backlog. ClaimNext is the only way an entry
// leaves the queued state for dispatch and it is atomic across processes.
type QueueStore interface {
	Enqueue(ctx context.Context, entry *domain.QueueEntry) error
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	// ClaimNext moves the next eligible entry, ordered by priority desc then
	// enqueue time asc, from queued to claimed. It returns ErrNotFound when
	// nothing is eligible. Entries of excludeTenants are skipped.
	ClaimNext(ctx context.Context, workerID string, now time.Time, excludeTenants []uuid.UUID) (*domain.QueueEntry, error)
	// Unclaim reverts a claimed entry to queued without counting an attempt.
	Unclaim(ctx context.Context, id uuid.UUID) error
	MarkDispatched(ctx context.Context, id uuid.UUID, callID uuid.UUID) error
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// Requeue returns an entry to queued with a new eligibility time and attempt count.
	Requeue(ctx context.Context, id uuid.UUID, eligibleAt time.Time, attempt int, lastError string) error
	// Cancel removes an entry only while it is still queued.
	Cancel(ctx context.Context, tenantID, id uuid.UUID) error
	// ReclaimStale reverts entries claimed before cutoff back to queued.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	CountOpen(ctx context.Context, campaignID uuid.UUID) (int64, error)
}

// CallStore persists call records. Stage changes go through AdvanceStage,
// which never moves a call backwards.
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Call, error)
	GetByExecutionID(ctx context.Context, executionID string) (*domain.Call, error)
	// AdvanceStage applies the update only when the stored stage ordinal is
	// lower than call.Stage's. It reports whether the row changed.
	AdvanceStage(ctx context.Context, call *domain.Call) (bool, error)
	// Enrich fills recording, transcript and summary fields that are still empty.
	Enrich(ctx context.Context, id uuid.UUID, recordingURL, transcript, summary string) (bool, error)
	SetAnalysisStatus(ctx context.Context, id uuid.UUID, status domain.AnalysisStatus) error
	ListByAnalysisStatus(ctx context.Context, status domain.AnalysisStatus, limit int) ([]*domain.Call, error)
}

// AnalysisStore persists both analytics views. Reads are split by kind and
// never mix the two.
type AnalysisStore interface {
	// RecordCall inserts the individual row for call and, only if that insert
	// happened, upserts the complete row for (tenant, phone) with merge.
	RecordCall(ctx context.Context, individual *domain.LeadAnalysis, merge CompleteMerge) (bool, error)
	// RecordOutcome upserts the complete row for an interaction without analysis.
	RecordOutcome(ctx context.Context, tenantID uuid.UUID, phone string, outcome domain.Outcome, callID *uuid.UUID, at time.Time) error
	ListIndividual(ctx context.Context, tenantID uuid.UUID, filter AnalysisFilter) ([]*domain.LeadAnalysis, error)
	GetComplete(ctx context.Context, tenantID uuid.UUID, phone string) (*domain.LeadAnalysis, error)
}

// CompleteMerge folds a new individual analysis into the contact aggregate.
type CompleteMerge func(existing *domain.LeadAnalysis) *domain.LeadAnalysis

// AnalysisFilter narrows individual listings.
type AnalysisFilter struct {
	Phone string
	Since *time.Time
	Limit int
}

// RetryStore keeps at most one pending retry per queue entry.
type RetryStore interface {
	Upsert(ctx context.Context, entry *domain.RetryEntry) error
	Get(ctx context.Context, queueEntryID uuid.UUID) (*domain.RetryEntry, error)
	Delete(ctx context.Context, queueEntryID uuid.UUID) error
}

// EventLog is the append-only audit of inbound lifecycle events.
type EventLog interface {
	Append(ctx context.Context, event domain.LifecycleEvent, outcome string) error
	List(ctx context.Context, executionID string, limit int, pagingState []byte) ([]LoggedEvent, []byte, error)
}

// LoggedEvent is one row of the event log.
type LoggedEvent struct {
	EventID     uuid.UUID
	ExecutionID string
	Stage       string
	Outcome     string
	Payload     []byte
	OccurredAt  time.Time
	ReceivedAt  time.Time
}
