package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// CallRepository persists call records in PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

const callColumns = `id, tenant_id, agent_id, campaign_id, queue_entry_id, execution_id, phone_number,
	status, stage, stage_ordinal, outcome, duration_seconds, recording_url, hangup_reason,
	transcript, summary, synthesized, analysis_status, metadata, created_at, updated_at, ended_at`

// Create inserts a call. A second call with the same execution id is a conflict.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now

	params, err := callParams(call)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `INSERT INTO calls (
		id, tenant_id, agent_id, campaign_id, queue_entry_id, execution_id, phone_number,
		status, stage, stage_ordinal, outcome, duration_seconds, recording_url, hangup_reason,
		transcript, summary, synthesized, analysis_status, metadata, created_at, updated_at, ended_at
	) VALUES (
		:id, :tenant_id, :agent_id, :campaign_id, :queue_entry_id, :execution_id, :phone_number,
		:status, :stage, :stage_ordinal, :outcome, :duration_seconds, :recording_url, :hangup_reason,
		:transcript, :summary, :synthesized, :analysis_status, :metadata, :created_at, :updated_at, :ended_at
	)`, params)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("call repo: insert: %w", err)
	}
	return nil
}

// Get fetches a call within a tenant.
func (r *CallRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Call, error) {
	return r.getOne(ctx, "get", `SELECT `+callColumns+` FROM calls WHERE id = $1 AND tenant_id = $2`, id, tenantID)
}

// GetByExecutionID resolves a call from the provider execution id.
func (r *CallRepository) GetByExecutionID(ctx context.Context, executionID string) (*domain.Call, error) {
	return r.getOne(ctx, "get by execution", `SELECT `+callColumns+` FROM calls WHERE execution_id = $1`, executionID)
}

// AdvanceStage writes the call only if its stored stage ordinal is lower.
func (r *CallRepository) AdvanceStage(ctx context.Context, call *domain.Call) (bool, error) {
	params, err := callParams(call)
	if err != nil {
		return false, err
	}
	res, err := r.db.NamedExecContext(ctx, `UPDATE calls SET
		status = :status,
		stage = :stage,
		stage_ordinal = :stage_ordinal,
		outcome = :outcome,
		duration_seconds = :duration_seconds,
		recording_url = :recording_url,
		hangup_reason = :hangup_reason,
		transcript = :transcript,
		summary = :summary,
		analysis_status = :analysis_status,
		metadata = :metadata,
		ended_at = :ended_at,
		updated_at = NOW()
	WHERE id = :id AND stage_ordinal < :stage_ordinal`, params)
	if err != nil {
		return false, fmt.Errorf("call repo: advance stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// Enrich fills recording, transcript and summary where they are still empty.
func (r *CallRepository) Enrich(ctx context.Context, id uuid.UUID, recordingURL, transcript, summary string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE calls SET
		recording_url = CASE WHEN recording_url = '' THEN $2 ELSE recording_url END,
		transcript = CASE WHEN transcript = '' THEN $3 ELSE transcript END,
		summary = CASE WHEN summary = '' THEN $4 ELSE summary END,
		updated_at = NOW()
	WHERE id = $1 AND (
		(recording_url = '' AND $2 <> '') OR
		(transcript = '' AND $3 <> '') OR
		(summary = '' AND $4 <> '')
	)`, id, recordingURL, transcript, summary)
	if err != nil {
		return false, fmt.Errorf("call repo: enrich: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("call repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetAnalysisStatus records the transcript analysis state.
func (r *CallRepository) SetAnalysisStatus(ctx context.Context, id uuid.UUID, status domain.AnalysisStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE calls SET analysis_status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("call repo: set analysis status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByAnalysisStatus returns calls in an analysis state, oldest first.
func (r *CallRepository) ListByAnalysisStatus(ctx context.Context, status domain.AnalysisStatus, limit int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE analysis_status = $1 ORDER BY updated_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("call repo: list by analysis status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Call
	for rows.Next() {
		var rec callRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		call := rec.toDomain()
		results = append(results, &call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return results, nil
}

func (r *CallRepository) getOne(ctx context.Context, op, query string, args ...any) (*domain.Call, error) {
	var rec callRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: %s: %w", op, err)
	}
	call := rec.toDomain()
	return &call, nil
}

func callParams(call *domain.Call) (map[string]any, error) {
	metadata, err := jsonParam(call.Metadata)
	if err != nil {
		return nil, err
	}
	var endedAt sql.NullTime
	if call.EndedAt != nil {
		endedAt = sql.NullTime{Time: *call.EndedAt, Valid: true}
	}
	var executionID sql.NullString
	if call.ExecutionID != "" {
		executionID = sql.NullString{String: call.ExecutionID, Valid: true}
	}
	return map[string]any{
		"id":               call.ID,
		"tenant_id":        call.TenantID,
		"agent_id":         call.AgentID,
		"campaign_id":      uuidParam(call.CampaignID),
		"queue_entry_id":   uuidParam(call.QueueEntryID),
		"execution_id":     executionID,
		"phone_number":     call.Phone,
		"status":           string(call.Status),
		"stage":            call.Stage.String(),
		"stage_ordinal":    call.Stage.Ordinal(),
		"outcome":          string(call.Outcome),
		"duration_seconds": call.Duration,
		"recording_url":    call.RecordingURL,
		"hangup_reason":    call.HangupReason,
		"transcript":       call.Transcript,
		"summary":          call.Summary,
		"synthesized":      call.Synthesized,
		"analysis_status":  string(call.AnalysisStatus),
		"metadata":         metadata,
		"created_at":       call.CreatedAt,
		"updated_at":       call.UpdatedAt,
		"ended_at":         endedAt,
	}, nil
}

type callRecord struct {
	ID             uuid.UUID      `db:"id"`
	TenantID       uuid.UUID      `db:"tenant_id"`
	AgentID        string         `db:"agent_id"`
	CampaignID     uuid.NullUUID  `db:"campaign_id"`
	QueueEntryID   uuid.NullUUID  `db:"queue_entry_id"`
	ExecutionID    sql.NullString `db:"execution_id"`
	PhoneNumber    string         `db:"phone_number"`
	Status         string         `db:"status"`
	Stage          string         `db:"stage"`
	StageOrdinal   int            `db:"stage_ordinal"`
	Outcome        string         `db:"outcome"`
	Duration       int            `db:"duration_seconds"`
	RecordingURL   string         `db:"recording_url"`
	HangupReason   string         `db:"hangup_reason"`
	Transcript     string         `db:"transcript"`
	Summary        string         `db:"summary"`
	Synthesized    bool           `db:"synthesized"`
	AnalysisStatus string         `db:"analysis_status"`
	Metadata       []byte         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	EndedAt        sql.NullTime   `db:"ended_at"`
}

func (r callRecord) toDomain() domain.Call {
	var metadata map[string]any
	_ = json.Unmarshal(r.Metadata, &metadata)
	return domain.Call{
		ID:             r.ID,
		TenantID:       r.TenantID,
		AgentID:        r.AgentID,
		CampaignID:     nullUUIDPtr(r.CampaignID),
		QueueEntryID:   nullUUIDPtr(r.QueueEntryID),
		ExecutionID:    r.ExecutionID.String,
		Phone:          r.PhoneNumber,
		Status:         domain.CallStatus(r.Status),
		Stage:          domain.StageFromName(r.Stage),
		Outcome:        domain.Outcome(r.Outcome),
		Duration:       r.Duration,
		RecordingURL:   r.RecordingURL,
		HangupReason:   r.HangupReason,
		Transcript:     r.Transcript,
		Summary:        r.Summary,
		Synthesized:    r.Synthesized,
		AnalysisStatus: domain.AnalysisStatus(r.AnalysisStatus),
		Metadata:       metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		EndedAt:        nullTimePtr(r.EndedAt),
	}
}
