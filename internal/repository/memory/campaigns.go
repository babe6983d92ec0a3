package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// Campaigns stores campaigns, their contacts and statistics.
type Campaigns struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]domain.Campaign
	contacts  map[uuid.UUID][]domain.Contact
	stats     map[uuid.UUID]domain.CampaignStats
}

func NewCampaigns() *Campaigns {
	return &Campaigns{
		campaigns: map[uuid.UUID]domain.Campaign{},
		contacts:  map[uuid.UUID][]domain.Contact{},
		stats:     map[uuid.UUID]domain.CampaignStats{},
	}
}

// Put inserts or replaces a campaign.
func (r *Campaigns) Put(c domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

// AddContacts appends contacts, assigning positions after the current tail.
func (r *Campaigns) AddContacts(campaignID uuid.UUID, contacts ...domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.contacts[campaignID]
	var next int64 = 1
	if n := len(existing); n > 0 {
		next = existing[n-1].Position + 1
	}
	for _, c := range contacts {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.CampaignID = campaignID
		c.Position = next
		next++
		existing = append(existing, c)
	}
	r.contacts[campaignID] = existing
}

func (r *Campaigns) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *Campaigns) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != status {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Campaigns) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return repository.ErrNotFound
	}
	if len(from) > 0 && !slices.Contains(from, c.Status) {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	c.Status = to
	c.UpdatedAt = now
	if to == domain.CampaignStatusCompleted {
		c.CompletedAt = &now
	}
	r.campaigns[id] = c
	return nil
}

func (r *Campaigns) AdvanceCursor(ctx context.Context, id uuid.UUID, from, to int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if c.Cursor != from {
		return false, nil
	}
	c.Cursor = to
	c.UpdatedAt = time.Now().UTC()
	r.campaigns[id] = c
	return true, nil
}

func (r *Campaigns) NextContacts(ctx context.Context, campaignID uuid.UUID, afterPosition int64, limit int) ([]domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Contact
	for _, c := range r.contacts[campaignID] {
		if c.Position <= afterPosition {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats implements repository.CampaignStatisticsRepository.
func (r *Campaigns) Stats() *CampaignStats {
	return &CampaignStats{r: r}
}

// CampaignStats exposes the statistics half of Campaigns.
type CampaignStats struct {
	r *Campaigns
}

func (s *CampaignStats) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	st, ok := s.r.stats[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}

func (s *CampaignStats) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	st := s.r.stats[campaignID]
	st.TotalCalls += delta.TotalCallsDelta
	st.CompletedCalls += delta.CompletedCallsDelta
	st.FailedCalls += delta.FailedCallsDelta
	st.RetriedCalls += delta.RetriedCallsDelta
	st.ExhaustedCalls += delta.ExhaustedCallsDelta
	s.r.stats[campaignID] = st
	return nil
}
