package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT total_calls, completed_calls, failed_calls, retried_calls, exhausted_calls
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var stats domain.CampaignStats
	if err := row.StructScan(&stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically, creating the row on first use.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics AS s (
		campaign_id, total_calls, completed_calls, failed_calls, retried_calls, exhausted_calls, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (campaign_id) DO UPDATE SET
		total_calls = s.total_calls + EXCLUDED.total_calls,
		completed_calls = s.completed_calls + EXCLUDED.completed_calls,
		failed_calls = s.failed_calls + EXCLUDED.failed_calls,
		retried_calls = s.retried_calls + EXCLUDED.retried_calls,
		exhausted_calls = s.exhausted_calls + EXCLUDED.exhausted_calls,
		updated_at = NOW()`,
		campaignID,
		delta.TotalCallsDelta,
		delta.CompletedCallsDelta,
		delta.FailedCallsDelta,
		delta.RetriedCallsDelta,
		delta.ExhaustedCallsDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}
