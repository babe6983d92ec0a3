package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// RetryRepository keeps the pending retry for each queue entry.
type RetryRepository struct {
	db *sqlx.DB
}

// NewRetryRepository constructs the repository.
func NewRetryRepository(db *sqlx.DB) *RetryRepository {
	return &RetryRepository{db: db}
}

// Upsert records or replaces the retry for entry.QueueEntryID.
func (r *RetryRepository) Upsert(ctx context.Context, entry *domain.RetryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	var rec retryRecord
	err := r.db.GetContext(ctx, &rec, `INSERT INTO call_retries AS r (
		id, queue_entry_id, tenant_id, call_id, reason, attempt, next_eligible_at, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	ON CONFLICT (queue_entry_id) DO UPDATE SET
		call_id = EXCLUDED.call_id,
		reason = EXCLUDED.reason,
		attempt = EXCLUDED.attempt,
		next_eligible_at = EXCLUDED.next_eligible_at
	RETURNING id, queue_entry_id, tenant_id, call_id, reason, attempt, next_eligible_at, created_at`,
		entry.ID, entry.QueueEntryID, entry.TenantID, uuidParam(entry.CallID), string(entry.Reason),
		entry.Attempt, entry.NextEligibleAt.UTC())
	if err != nil {
		return fmt.Errorf("retry repo: upsert: %w", err)
	}
	entry.ID = rec.ID
	entry.CreatedAt = rec.CreatedAt
	return nil
}

// Get returns the pending retry for a queue entry.
func (r *RetryRepository) Get(ctx context.Context, queueEntryID uuid.UUID) (*domain.RetryEntry, error) {
	var rec retryRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT id, queue_entry_id, tenant_id, call_id, reason, attempt, next_eligible_at, created_at
		FROM call_retries WHERE queue_entry_id = $1`, queueEntryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("retry repo: get: %w", err)
	}
	entry := rec.toDomain()
	return &entry, nil
}

// Delete removes the retry for a queue entry. Missing rows are not an error.
func (r *RetryRepository) Delete(ctx context.Context, queueEntryID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM call_retries WHERE queue_entry_id = $1`, queueEntryID); err != nil {
		return fmt.Errorf("retry repo: delete: %w", err)
	}
	return nil
}

type retryRecord struct {
	ID             uuid.UUID     `db:"id"`
	QueueEntryID   uuid.UUID     `db:"queue_entry_id"`
	TenantID       uuid.UUID     `db:"tenant_id"`
	CallID         uuid.NullUUID `db:"call_id"`
	Reason         string        `db:"reason"`
	Attempt        int           `db:"attempt"`
	NextEligibleAt time.Time     `db:"next_eligible_at"`
	CreatedAt      time.Time     `db:"created_at"`
}

func (r retryRecord) toDomain() domain.RetryEntry {
	return domain.RetryEntry{
		ID:             r.ID,
		QueueEntryID:   r.QueueEntryID,
		TenantID:       r.TenantID,
		CallID:         nullUUIDPtr(r.CallID),
		Reason:         domain.Outcome(r.Reason),
		Attempt:        r.Attempt,
		NextEligibleAt: r.NextEligibleAt,
		CreatedAt:      r.CreatedAt,
	}
}
