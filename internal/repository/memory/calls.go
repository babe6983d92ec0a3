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

// Calls stores call records indexed by id and provider execution id.
type Calls struct {
	mu          sync.Mutex
	calls       map[uuid.UUID]*domain.Call
	byExecution map[string]uuid.UUID
}

func NewCalls() *Calls {
	return &Calls{calls: map[uuid.UUID]*domain.Call{}, byExecution: map[string]uuid.UUID{}}
}

func (r *Calls) Create(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if _, exists := r.calls[call.ID]; exists {
		return repository.ErrConflict
	}
	if call.ExecutionID != "" {
		if _, exists := r.byExecution[call.ExecutionID]; exists {
			return repository.ErrConflict
		}
		r.byExecution[call.ExecutionID] = call.ID
	}
	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	cp := *call
	r.calls[call.ID] = &cp
	return nil
}

func (r *Calls) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok || c.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Calls) GetByExecutionID(ctx context.Context, executionID string) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExecution[executionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r.calls[id]
	return &cp, nil
}

func (r *Calls) AdvanceStage(ctx context.Context, call *domain.Call) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.calls[call.ID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if stored.Stage.Ordinal() >= call.Stage.Ordinal() {
		return false, nil
	}
	cp := *call
	cp.CreatedAt = stored.CreatedAt
	cp.ExecutionID = stored.ExecutionID
	cp.UpdatedAt = time.Now().UTC()
	r.calls[call.ID] = &cp
	return true, nil
}

func (r *Calls) Enrich(ctx context.Context, id uuid.UUID, recordingURL, transcript, summary string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	changed := false
	if c.RecordingURL == "" && recordingURL != "" {
		c.RecordingURL = recordingURL
		changed = true
	}
	if c.Transcript == "" && transcript != "" {
		c.Transcript = transcript
		changed = true
	}
	if c.Summary == "" && summary != "" {
		c.Summary = summary
		changed = true
	}
	if changed {
		c.UpdatedAt = time.Now().UTC()
	}
	return changed, nil
}

func (r *Calls) SetAnalysisStatus(ctx context.Context, id uuid.UUID, status domain.AnalysisStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.AnalysisStatus = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Calls) ListByAnalysisStatus(ctx context.Context, status domain.AnalysisStatus, limit int) ([]*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Call
	for _, c := range r.calls {
		if c.AnalysisStatus != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns a snapshot of every call. Test helper.
func (r *Calls) All() []domain.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, *c)
	}
	return out
}
