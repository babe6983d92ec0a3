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

// QueueRepository is the Postgres call queue. Claims take a row lock with
// SKIP LOCKED so concurrent workers never receive the same entry.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, tenant_id, campaign_id, contact_id, agent_id, phone_number, priority, status,
	attempt, max_attempts, enqueued_at, eligible_at, claimed_at, claimed_by, call_id, last_error,
	metadata, updated_at`

// Enqueue inserts a new entry in the queued state.
func (r *QueueRepository) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = now
	}
	if entry.EligibleAt.IsZero() {
		entry.EligibleAt = entry.EnqueuedAt
	}
	entry.Status = domain.QueueStatusQueued
	entry.UpdatedAt = now

	metadata, err := jsonParam(entry.Metadata)
	if err != nil {
		return err
	}

	params := map[string]any{
		"id":           entry.ID,
		"tenant_id":    entry.TenantID,
		"campaign_id":  uuidParam(entry.CampaignID),
		"contact_id":   uuidParam(entry.ContactID),
		"agent_id":     entry.AgentID,
		"phone_number": entry.Phone,
		"priority":     int(entry.Priority),
		"status":       string(entry.Status),
		"attempt":      entry.Attempt,
		"max_attempts": entry.MaxAttempts,
		"enqueued_at":  entry.EnqueuedAt,
		"eligible_at":  entry.EligibleAt,
		"metadata":     metadata,
		"updated_at":   entry.UpdatedAt,
	}

	_, err = r.db.NamedExecContext(ctx, `INSERT INTO call_queue (
		id, tenant_id, campaign_id, contact_id, agent_id, phone_number, priority, status,
		attempt, max_attempts, enqueued_at, eligible_at, metadata, updated_at
	) VALUES (
		:id, :tenant_id, :campaign_id, :contact_id, :agent_id, :phone_number, :priority, :status,
		:attempt, :max_attempts, :enqueued_at, :eligible_at, :metadata, :updated_at
	)`, params)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("call queue: enqueue: %w", err)
	}
	return nil
}

// Get fetches an entry by id.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	var rec queueRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT `+queueColumns+` FROM call_queue WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call queue: get: %w", err)
	}
	entry := rec.toDomain()
	return &entry, nil
}

// ClaimNext atomically claims the highest priority eligible entry.
func (r *QueueRepository) ClaimNext(ctx context.Context, workerID string, now time.Time, excludeTenants []uuid.UUID) (*domain.QueueEntry, error) {
	var rec queueRecord
	err := r.db.GetContext(ctx, &rec, `UPDATE call_queue SET
			status = 'claimed',
			claimed_at = $1,
			claimed_by = $2,
			updated_at = $1
		WHERE id = (
			SELECT id FROM call_queue
			WHERE status = 'queued'
			  AND eligible_at <= $1
			  AND NOT (tenant_id = ANY($3::uuid[]))
			ORDER BY priority DESC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+queueColumns,
		now.UTC(), workerID, uuidStrings(excludeTenants))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call queue: claim: %w", err)
	}
	entry := rec.toDomain()
	return &entry, nil
}

// Unclaim reverts a claimed entry to queued.
func (r *QueueRepository) Unclaim(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "unclaim", `UPDATE call_queue SET status = 'queued', claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'`, id)
}

// MarkDispatched links the provider call to a claimed entry.
func (r *QueueRepository) MarkDispatched(ctx context.Context, id uuid.UUID, callID uuid.UUID) error {
	return r.exec(ctx, "mark dispatched", `UPDATE call_queue SET status = 'dispatched', call_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'`, id, callID)
}

// MarkDone closes an entry successfully.
func (r *QueueRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "mark done", `UPDATE call_queue SET status = 'done', updated_at = NOW() WHERE id = $1`, id)
}

// MarkFailed closes an entry with a terminal reason.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.exec(ctx, "mark failed", `UPDATE call_queue SET status = 'failed', last_error = $2, updated_at = NOW() WHERE id = $1`, id, reason)
}

// Requeue schedules another attempt for an entry.
func (r *QueueRepository) Requeue(ctx context.Context, id uuid.UUID, eligibleAt time.Time, attempt int, lastError string) error {
	return r.exec(ctx, "requeue", `UPDATE call_queue SET
			status = 'queued',
			eligible_at = $2,
			attempt = $3,
			last_error = $4,
			claimed_at = NULL,
			claimed_by = NULL,
			call_id = NULL,
			updated_at = NOW()
		WHERE id = $1`, id, eligibleAt.UTC(), attempt, lastError)
}

// Cancel deletes an entry that has not been claimed yet.
func (r *QueueRepository) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_queue WHERE id = $1 AND tenant_id = $2 AND status = 'queued'`, id, tenantID)
	if err != nil {
		return fmt.Errorf("call queue: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call queue: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM call_queue WHERE id = $1 AND tenant_id = $2)`, id, tenantID); err != nil {
		return fmt.Errorf("call queue: exists: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

// ReclaimStale returns abandoned claims to the queue.
func (r *QueueRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE call_queue SET status = 'queued', claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE status = 'claimed' AND claimed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("call queue: reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("call queue: rows affected: %w", err)
	}
	return n, nil
}

// CountOpen counts entries of a campaign that may still produce an attempt.
func (r *QueueRepository) CountOpen(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM call_queue
		WHERE campaign_id = $1 AND status IN ('queued', 'claimed', 'dispatched')`, campaignID); err != nil {
		return 0, fmt.Errorf("call queue: count open: %w", err)
	}
	return n, nil
}

func (r *QueueRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("call queue: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call queue: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type queueRecord struct {
	ID          uuid.UUID      `db:"id"`
	TenantID    uuid.UUID      `db:"tenant_id"`
	CampaignID  uuid.NullUUID  `db:"campaign_id"`
	ContactID   uuid.NullUUID  `db:"contact_id"`
	AgentID     string         `db:"agent_id"`
	PhoneNumber string         `db:"phone_number"`
	Priority    int            `db:"priority"`
	Status      string         `db:"status"`
	Attempt     int            `db:"attempt"`
	MaxAttempts int            `db:"max_attempts"`
	EnqueuedAt  time.Time      `db:"enqueued_at"`
	EligibleAt  time.Time      `db:"eligible_at"`
	ClaimedAt   sql.NullTime   `db:"claimed_at"`
	ClaimedBy   sql.NullString `db:"claimed_by"`
	CallID      uuid.NullUUID  `db:"call_id"`
	LastError   sql.NullString `db:"last_error"`
	Metadata    []byte         `db:"metadata"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r queueRecord) toDomain() domain.QueueEntry {
	var metadata map[string]any
	_ = json.Unmarshal(r.Metadata, &metadata)
	return domain.QueueEntry{
		ID:          r.ID,
		TenantID:    r.TenantID,
		CampaignID:  nullUUIDPtr(r.CampaignID),
		ContactID:   nullUUIDPtr(r.ContactID),
		AgentID:     r.AgentID,
		Phone:       r.PhoneNumber,
		Priority:    domain.Priority(r.Priority),
		Status:      domain.QueueStatus(r.Status),
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		EnqueuedAt:  r.EnqueuedAt,
		EligibleAt:  r.EligibleAt,
		ClaimedAt:   nullTimePtr(r.ClaimedAt),
		ClaimedBy:   r.ClaimedBy.String,
		CallID:      nullUUIDPtr(r.CallID),
		LastError:   r.LastError.String,
		Metadata:    metadata,
		UpdatedAt:   r.UpdatedAt,
	}
}
