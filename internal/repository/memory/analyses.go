package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

type contactKey struct {
	tenantID uuid.UUID
	phone    string
}

// Analyses keeps individual rows per call and one complete row per contact.
type Analyses struct {
	mu         sync.Mutex
	individual map[uuid.UUID]domain.LeadAnalysis
	complete   map[contactKey]domain.LeadAnalysis
}

func NewAnalyses() *Analyses {
	return &Analyses{
		individual: map[uuid.UUID]domain.LeadAnalysis{},
		complete:   map[contactKey]domain.LeadAnalysis{},
	}
}

func (r *Analyses) RecordCall(ctx context.Context, individual *domain.LeadAnalysis, merge repository.CompleteMerge) (bool, error) {
	if individual.CallID == nil {
		return false, repository.ErrConflict
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.individual[*individual.CallID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	row := *individual
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.Kind = domain.AnalysisKindIndividual
	row.CreatedAt, row.UpdatedAt = now, now
	r.individual[*row.CallID] = row

	key := contactKey{tenantID: row.TenantID, phone: row.Phone}
	var existing *domain.LeadAnalysis
	if cur, ok := r.complete[key]; ok {
		existing = &cur
	}
	if merged := merge(existing); merged != nil {
		r.putComplete(key, *merged, existing, now)
	}
	return true, nil
}

func (r *Analyses) RecordOutcome(ctx context.Context, tenantID uuid.UUID, phone string, outcome domain.Outcome, callID *uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := contactKey{tenantID: tenantID, phone: phone}
	row := domain.LeadAnalysis{
		Kind:       domain.AnalysisKindComplete,
		TenantID:   tenantID,
		Phone:      phone,
		LeadStatus: domain.LeadStatusUnknown,
	}
	var existing *domain.LeadAnalysis
	if cur, ok := r.complete[key]; ok {
		existing = &cur
		row = cur
	}
	row.InteractionCount++
	if outcome == domain.OutcomeCompleted {
		row.SuccessfulInteractions++
	} else {
		row.FailedInteractions++
	}
	row.LastCallID = callID
	row.LastOutcome = outcome
	at = at.UTC()
	row.LastInteractionAt = &at
	r.putComplete(key, row, existing, time.Now().UTC())
	return nil
}

func (r *Analyses) ListIndividual(ctx context.Context, tenantID uuid.UUID, filter repository.AnalysisFilter) ([]*domain.LeadAnalysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.LeadAnalysis
	for _, row := range r.individual {
		if row.TenantID != tenantID {
			continue
		}
		if filter.Phone != "" && row.Phone != filter.Phone {
			continue
		}
		if filter.Since != nil && row.CreatedAt.Before(*filter.Since) {
			continue
		}
		row := row
		out = append(out, &row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Analyses) GetComplete(ctx context.Context, tenantID uuid.UUID, phone string) (*domain.LeadAnalysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.complete[contactKey{tenantID: tenantID, phone: phone}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}

func (r *Analyses) putComplete(key contactKey, row domain.LeadAnalysis, existing *domain.LeadAnalysis, now time.Time) {
	row.Kind = domain.AnalysisKindComplete
	row.TenantID = key.tenantID
	row.Phone = key.phone
	row.CallID = nil
	if existing != nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	} else {
		row.ID = uuid.New()
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	r.complete[key] = row
}
