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

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, tenant_id, agent_id, name, window_start_minute, window_end_minute,
	time_zone, use_custom_time_zone, status, cursor_position, batch_size,
	retry_max_attempts, retry_base_delay_ms, retry_max_delay_ms, retry_jitter,
	starts_at, created_at, updated_at, completed_at`

// Get fetches a campaign by id within a tenant.
func (r *CampaignRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+`
	  FROM campaigns WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// ListByStatus returns campaigns filtered by status, least recently touched first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

// UpdateStatus moves a campaign to status to when its current status is one of from.
// An empty from allows any current status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = $1,
		updated_at = NOW(),
		completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END
	 WHERE id = $2 AND tenant_id = $3 AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))`,
		string(to), id, tenantID, allowed)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1 AND tenant_id = $2)`, id, tenantID); err != nil {
		return fmt.Errorf("campaign repo: exists: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

// AdvanceCursor moves the cursor from one position to another. A concurrent
// writer that already moved it makes this a no-op.
func (r *CampaignRepository) AdvanceCursor(ctx context.Context, id uuid.UUID, from, to int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET cursor_position = $1, updated_at = NOW()
		WHERE id = $2 AND cursor_position = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("campaign repo: advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// NextContacts returns contacts after the given position in order.
func (r *CampaignRepository) NextContacts(ctx context.Context, campaignID uuid.UUID, afterPosition int64, limit int) ([]domain.Contact, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, tenant_id, campaign_id, position, phone_number, name, payload
		FROM campaign_contacts
		WHERE campaign_id = $1 AND position > $2
		ORDER BY position ASC
		LIMIT $3`, campaignID, afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign contacts: select: %w", err)
	}
	defer rows.Close()

	var results []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign contacts: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign contacts: rows err: %w", err)
	}

	return results, nil
}

type campaignRecord struct {
	ID                uuid.UUID      `db:"id"`
	TenantID          uuid.UUID      `db:"tenant_id"`
	AgentID           string         `db:"agent_id"`
	Name              string         `db:"name"`
	WindowStartMinute int            `db:"window_start_minute"`
	WindowEndMinute   int            `db:"window_end_minute"`
	TimeZone          sql.NullString `db:"time_zone"`
	UseCustomTimeZone bool           `db:"use_custom_time_zone"`
	Status            string         `db:"status"`
	CursorPosition    int64          `db:"cursor_position"`
	BatchSize         int            `db:"batch_size"`
	RetryMaxAttempts  int            `db:"retry_max_attempts"`
	RetryBaseDelayMs  int64          `db:"retry_base_delay_ms"`
	RetryMaxDelayMs   int64          `db:"retry_max_delay_ms"`
	RetryJitter       float64        `db:"retry_jitter"`
	StartsAt          sql.NullTime   `db:"starts_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:                r.ID,
		TenantID:          r.TenantID,
		AgentID:           r.AgentID,
		Name:              r.Name,
		WindowStart:       domain.ClockTime(r.WindowStartMinute),
		WindowEnd:         domain.ClockTime(r.WindowEndMinute),
		Timezone:          r.TimeZone.String,
		UseCustomTimezone: r.UseCustomTimeZone,
		Status:            domain.CampaignStatus(r.Status),
		Cursor:            r.CursorPosition,
		BatchSize:         r.BatchSize,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: r.RetryMaxAttempts,
			BaseDelay:   time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
			Jitter:      r.RetryJitter,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	campaign.StartsAt = nullTimePtr(r.StartsAt)
	campaign.CompletedAt = nullTimePtr(r.CompletedAt)
	return campaign
}

type contactRecord struct {
	ID          uuid.UUID      `db:"id"`
	TenantID    uuid.UUID      `db:"tenant_id"`
	CampaignID  uuid.UUID      `db:"campaign_id"`
	Position    int64          `db:"position"`
	PhoneNumber string         `db:"phone_number"`
	Name        sql.NullString `db:"name"`
	Payload     []byte         `db:"payload"`
}

func (r contactRecord) toDomain() domain.Contact {
	var payload map[string]any
	_ = json.Unmarshal(r.Payload, &payload)
	return domain.Contact{
		ID:         r.ID,
		TenantID:   r.TenantID,
		CampaignID: r.CampaignID,
		Position:   r.Position,
		Phone:      r.PhoneNumber,
		Name:       r.Name.String,
		Payload:    payload,
	}
}
