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

// DirectoryRepository reads tenants and their provider agents.
type DirectoryRepository struct {
	db *sqlx.DB
}

// NewDirectoryRepository constructs the repository.
func NewDirectoryRepository(db *sqlx.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// Get returns a tenant.
func (r *DirectoryRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	var rec struct {
		ID               uuid.UUID      `db:"id"`
		Name             string         `db:"name"`
		TimeZone         sql.NullString `db:"time_zone"`
		ConcurrencyLimit sql.NullInt64  `db:"concurrency_limit"`
	}
	if err := r.db.GetContext(ctx, &rec, `SELECT id, name, time_zone, concurrency_limit FROM tenants WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("tenant repo: get: %w", err)
	}
	return &domain.Tenant{
		ID:               rec.ID,
		Name:             rec.Name,
		Timezone:         rec.TimeZone.String,
		ConcurrencyLimit: int(rec.ConcurrencyLimit.Int64),
	}, nil
}

// GetAgent resolves an agent and its owning tenant.
func (r *DirectoryRepository) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	var agent struct {
		ID       string    `db:"id"`
		TenantID uuid.UUID `db:"tenant_id"`
		Name     string    `db:"name"`
	}
	if err := r.db.GetContext(ctx, &agent, `SELECT id, tenant_id, name FROM agents WHERE id = $1`, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("agent repo: get: %w", err)
	}
	return &domain.Agent{ID: agent.ID, TenantID: agent.TenantID, Name: agent.Name}, nil
}
