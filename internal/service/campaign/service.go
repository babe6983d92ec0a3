package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/scheduler"
)

// Service handles the tenant actions on campaigns. Campaign CRUD is owned
// elsewhere; this service only moves status and reads state.
type Service struct {
	repo      repository.CampaignRepository
	statsRepo repository.CampaignStatisticsRepository
	tenants   repository.TenantStore
	now       func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	stats repository.CampaignStatisticsRepository,
	tenants repository.TenantStore,
) *Service {
	return &Service{
		repo:      repo,
		statsRepo: stats,
		tenants:   tenants,
		now:       time.Now,
	}
}

// Get retrieves a tenant's campaign.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// Pause stops the scheduler from enqueuing more contacts. Entries already
// queued still drain.
func (s *Service) Pause(ctx context.Context, tenantID, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, tenantID, id,
		[]domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusActive},
		domain.CampaignStatusPaused)
}

// Resume reactivates a paused campaign. Completed campaigns cannot resume.
func (s *Service) Resume(ctx context.Context, tenantID, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, tenantID, id,
		[]domain.CampaignStatus{domain.CampaignStatusPaused},
		domain.CampaignStatusActive)
}

func (s *Service) transition(ctx context.Context, tenantID, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status == to {
		return campaign, nil
	}
	if !slices.Contains(from, campaign.Status) {
		return nil, fmt.Errorf("%w: campaign is %s", repository.ErrConflict, campaign.Status)
	}
	if err := s.repo.UpdateStatus(ctx, tenantID, id, from, to); err != nil {
		return nil, fmt.Errorf("campaign service: %s campaign: %w", to, err)
	}
	campaign.Status = to
	return campaign, nil
}

// Stats retrieves aggregated statistics.
func (s *Service) Stats(ctx context.Context, tenantID, id uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.repo.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	stats, err := s.statsRepo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.CampaignStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// WindowState describes a campaign's calling window as the scheduler sees it.
type WindowState struct {
	Timezone string     `json:"timezone"`
	Open     bool       `json:"open"`
	OpensAt  *time.Time `json:"opens_at,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

// Window resolves the campaign's effective timezone and current window.
func (s *Service) Window(ctx context.Context, tenantID, id uuid.UUID) (*WindowState, error) {
	campaign, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	var tenant *domain.Tenant
	if s.tenants != nil {
		tenant, err = s.tenants.Get(ctx, tenantID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	now := s.now().UTC()
	loc := scheduler.EffectiveLocation(campaign, tenant)
	state := &WindowState{Timezone: loc.String()}
	if w, ok := scheduler.WindowAt(campaign, loc, now); ok {
		opens, closes := w.Open.UTC(), w.Close.UTC()
		state.Open = true
		state.OpensAt, state.ClosesAt = &opens, &closes
		return state, nil
	}
	if next, ok := scheduler.NextOpen(campaign, loc, now); ok {
		next = next.UTC()
		state.OpensAt = &next
	}
	return state, nil
}
