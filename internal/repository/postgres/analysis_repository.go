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

// AnalysisRepository stores individual and complete lead analyses in one
// table discriminated by kind. Partial unique indexes enforce one individual
// row per call and one complete row per (tenant, phone).
type AnalysisRepository struct {
	db *sqlx.DB
}

// NewAnalysisRepository constructs the repository.
func NewAnalysisRepository(db *sqlx.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const analysisColumns = `id, kind, tenant_id, phone_number, call_id, scores, lead_status, extraction, summary,
	interaction_count, successful_interactions, failed_interactions, last_call_id, last_outcome,
	last_interaction_at, created_at, updated_at`

// RecordCall inserts the individual row and folds it into the complete row in
// one transaction. A replayed call leaves both rows untouched.
func (r *AnalysisRepository) RecordCall(ctx context.Context, individual *domain.LeadAnalysis, merge repository.CompleteMerge) (bool, error) {
	if individual.CallID == nil {
		return false, fmt.Errorf("analysis repo: individual analysis without call id: %w", repository.ErrConflict)
	}
	if individual.ID == uuid.Nil {
		individual.ID = uuid.New()
	}
	individual.Kind = domain.AnalysisKindIndividual

	inserted := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		params, err := analysisParams(individual)
		if err != nil {
			return err
		}
		res, err := tx.NamedExecContext(ctx, `INSERT INTO lead_analyses (
			id, kind, tenant_id, phone_number, call_id, scores, lead_status, extraction, summary,
			interaction_count, successful_interactions, failed_interactions, last_call_id, last_outcome,
			last_interaction_at, created_at, updated_at
		) VALUES (
			:id, :kind, :tenant_id, :phone_number, :call_id, :scores, :lead_status, :extraction, :summary,
			:interaction_count, :successful_interactions, :failed_interactions, :last_call_id, :last_outcome,
			:last_interaction_at, NOW(), NOW()
		) ON CONFLICT (call_id) WHERE kind = 'individual' DO NOTHING`, params)
		if err != nil {
			return fmt.Errorf("analysis repo: insert individual: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("analysis repo: rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true

		// Seed the complete row first so the lock below always has a row to
		// hold; concurrent first calls for a contact then merge one at a time.
		seed, err := tx.ExecContext(ctx, `INSERT INTO lead_analyses (id, kind, tenant_id, phone_number)
			VALUES ($1, 'complete', $2, $3)
			ON CONFLICT (tenant_id, phone_number) WHERE kind = 'complete' DO NOTHING`,
			uuid.New(), individual.TenantID, individual.Phone)
		if err != nil {
			return fmt.Errorf("analysis repo: seed complete: %w", err)
		}
		seeded, err := seed.RowsAffected()
		if err != nil {
			return fmt.Errorf("analysis repo: rows affected: %w", err)
		}

		var rec analysisRecord
		if err := tx.GetContext(ctx, &rec, `SELECT `+analysisColumns+` FROM lead_analyses
			WHERE kind = 'complete' AND tenant_id = $1 AND phone_number = $2 FOR UPDATE`,
			individual.TenantID, individual.Phone); err != nil {
			return fmt.Errorf("analysis repo: lock complete: %w", err)
		}
		var existing *domain.LeadAnalysis
		if seeded == 0 {
			row := rec.toDomain()
			existing = &row
		}

		merged := merge(existing)
		if merged == nil {
			if seeded > 0 {
				_, err := tx.ExecContext(ctx, `DELETE FROM lead_analyses WHERE id = $1`, rec.ID)
				return err
			}
			return nil
		}
		merged.Kind = domain.AnalysisKindComplete
		merged.TenantID = individual.TenantID
		merged.Phone = individual.Phone
		merged.CallID = nil
		merged.ID = rec.ID
		return upsertComplete(ctx, tx, merged)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// RecordOutcome counts an interaction that produced no analysis.
func (r *AnalysisRepository) RecordOutcome(ctx context.Context, tenantID uuid.UUID, phone string, outcome domain.Outcome, callID *uuid.UUID, at time.Time) error {
	successful, failed := 0, 1
	if outcome == domain.OutcomeCompleted {
		successful, failed = 1, 0
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO lead_analyses AS a (
		id, kind, tenant_id, phone_number, scores, lead_status, extraction, summary,
		interaction_count, successful_interactions, failed_interactions, last_call_id, last_outcome,
		last_interaction_at, created_at, updated_at
	) VALUES (
		$1, 'complete', $2, $3, '{}', 'unknown', '{}', '',
		1, $4, $5, $6, $7, $8, NOW(), NOW()
	) ON CONFLICT (tenant_id, phone_number) WHERE kind = 'complete' DO UPDATE SET
		interaction_count = a.interaction_count + 1,
		successful_interactions = a.successful_interactions + EXCLUDED.successful_interactions,
		failed_interactions = a.failed_interactions + EXCLUDED.failed_interactions,
		last_call_id = EXCLUDED.last_call_id,
		last_outcome = EXCLUDED.last_outcome,
		last_interaction_at = EXCLUDED.last_interaction_at,
		updated_at = NOW()`,
		uuid.New(), tenantID, phone, successful, failed, uuidParam(callID), string(outcome), at.UTC())
	if err != nil {
		return fmt.Errorf("analysis repo: record outcome: %w", err)
	}
	return nil
}

// ListIndividual returns per-call analyses, newest first.
func (r *AnalysisRepository) ListIndividual(ctx context.Context, tenantID uuid.UUID, filter repository.AnalysisFilter) ([]*domain.LeadAnalysis, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var since sql.NullTime
	if filter.Since != nil {
		since = sql.NullTime{Time: *filter.Since, Valid: true}
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+analysisColumns+` FROM lead_analyses
		WHERE kind = 'individual' AND tenant_id = $1
		  AND ($2 = '' OR phone_number = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4`, tenantID, filter.Phone, since, limit)
	if err != nil {
		return nil, fmt.Errorf("analysis repo: list individual: %w", err)
	}
	defer rows.Close()

	var results []*domain.LeadAnalysis
	for rows.Next() {
		var rec analysisRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("analysis repo: scan: %w", err)
		}
		row := rec.toDomain()
		results = append(results, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analysis repo: rows err: %w", err)
	}
	return results, nil
}

// GetComplete returns the contact-level aggregate.
func (r *AnalysisRepository) GetComplete(ctx context.Context, tenantID uuid.UUID, phone string) (*domain.LeadAnalysis, error) {
	var rec analysisRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT `+analysisColumns+` FROM lead_analyses
		WHERE kind = 'complete' AND tenant_id = $1 AND phone_number = $2`, tenantID, phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("analysis repo: get complete: %w", err)
	}
	row := rec.toDomain()
	return &row, nil
}

func upsertComplete(ctx context.Context, tx *sqlx.Tx, row *domain.LeadAnalysis) error {
	params, err := analysisParams(row)
	if err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO lead_analyses (
		id, kind, tenant_id, phone_number, call_id, scores, lead_status, extraction, summary,
		interaction_count, successful_interactions, failed_interactions, last_call_id, last_outcome,
		last_interaction_at, created_at, updated_at
	) VALUES (
		:id, 'complete', :tenant_id, :phone_number, NULL, :scores, :lead_status, :extraction, :summary,
		:interaction_count, :successful_interactions, :failed_interactions, :last_call_id, :last_outcome,
		:last_interaction_at, NOW(), NOW()
	) ON CONFLICT (tenant_id, phone_number) WHERE kind = 'complete' DO UPDATE SET
		scores = EXCLUDED.scores,
		lead_status = EXCLUDED.lead_status,
		extraction = EXCLUDED.extraction,
		summary = EXCLUDED.summary,
		interaction_count = EXCLUDED.interaction_count,
		successful_interactions = EXCLUDED.successful_interactions,
		failed_interactions = EXCLUDED.failed_interactions,
		last_call_id = EXCLUDED.last_call_id,
		last_outcome = EXCLUDED.last_outcome,
		last_interaction_at = EXCLUDED.last_interaction_at,
		updated_at = NOW()`, params)
	if err != nil {
		return fmt.Errorf("analysis repo: upsert complete: %w", err)
	}
	return nil
}

func analysisParams(row *domain.LeadAnalysis) (map[string]any, error) {
	scores, err := json.Marshal(row.Scores)
	if err != nil {
		return nil, fmt.Errorf("analysis repo: marshal scores: %w", err)
	}
	extraction, err := json.Marshal(row.Extraction)
	if err != nil {
		return nil, fmt.Errorf("analysis repo: marshal extraction: %w", err)
	}
	var lastAt sql.NullTime
	if row.LastInteractionAt != nil {
		lastAt = sql.NullTime{Time: *row.LastInteractionAt, Valid: true}
	}
	return map[string]any{
		"id":                      row.ID,
		"kind":                    string(row.Kind),
		"tenant_id":               row.TenantID,
		"phone_number":            row.Phone,
		"call_id":                 uuidParam(row.CallID),
		"scores":                  scores,
		"lead_status":             string(row.LeadStatus),
		"extraction":              extraction,
		"summary":                 row.Summary,
		"interaction_count":       row.InteractionCount,
		"successful_interactions": row.SuccessfulInteractions,
		"failed_interactions":     row.FailedInteractions,
		"last_call_id":            uuidParam(row.LastCallID),
		"last_outcome":            string(row.LastOutcome),
		"last_interaction_at":     lastAt,
	}, nil
}

type analysisRecord struct {
	ID                     uuid.UUID     `db:"id"`
	Kind                   string        `db:"kind"`
	TenantID               uuid.UUID     `db:"tenant_id"`
	PhoneNumber            string        `db:"phone_number"`
	CallID                 uuid.NullUUID `db:"call_id"`
	Scores                 []byte        `db:"scores"`
	LeadStatus             string        `db:"lead_status"`
	Extraction             []byte        `db:"extraction"`
	Summary                string        `db:"summary"`
	InteractionCount       int           `db:"interaction_count"`
	SuccessfulInteractions int           `db:"successful_interactions"`
	FailedInteractions     int           `db:"failed_interactions"`
	LastCallID             uuid.NullUUID `db:"last_call_id"`
	LastOutcome            string        `db:"last_outcome"`
	LastInteractionAt      sql.NullTime  `db:"last_interaction_at"`
	CreatedAt              time.Time     `db:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at"`
}

func (r analysisRecord) toDomain() domain.LeadAnalysis {
	row := domain.LeadAnalysis{
		ID:                     r.ID,
		Kind:                   domain.AnalysisKind(r.Kind),
		TenantID:               r.TenantID,
		Phone:                  r.PhoneNumber,
		CallID:                 nullUUIDPtr(r.CallID),
		LeadStatus:             domain.LeadStatus(r.LeadStatus),
		Summary:                r.Summary,
		InteractionCount:       r.InteractionCount,
		SuccessfulInteractions: r.SuccessfulInteractions,
		FailedInteractions:     r.FailedInteractions,
		LastCallID:             nullUUIDPtr(r.LastCallID),
		LastOutcome:            domain.Outcome(r.LastOutcome),
		LastInteractionAt:      nullTimePtr(r.LastInteractionAt),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
	_ = json.Unmarshal(r.Scores, &row.Scores)
	_ = json.Unmarshal(r.Extraction, &row.Extraction)
	return row
}
