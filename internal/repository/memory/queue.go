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

// Queue is an in-memory call queue. The mutex gives ClaimNext the same
// exclusive-claim guarantee the row lock gives the Postgres store.
type Queue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.QueueEntry
	now     func() time.Time
}

func NewQueue() *Queue {
	return &Queue{entries: map[uuid.UUID]*domain.QueueEntry{}, now: time.Now}
}

func (q *Queue) Enqueue(ctx context.Context, entry *domain.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if _, exists := q.entries[entry.ID]; exists {
		return repository.ErrConflict
	}
	if entry.CampaignID != nil && entry.ContactID != nil {
		for _, e := range q.entries {
			if e.CampaignID != nil && e.ContactID != nil &&
				*e.CampaignID == *entry.CampaignID && *e.ContactID == *entry.ContactID {
				return repository.ErrConflict
			}
		}
	}
	now := q.now().UTC()
	if entry.Status == "" {
		entry.Status = domain.QueueStatusQueued
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = now
	}
	if entry.EligibleAt.IsZero() {
		entry.EligibleAt = entry.EnqueuedAt
	}
	entry.UpdatedAt = now
	cp := *entry
	q.entries[entry.ID] = &cp
	return nil
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (q *Queue) ClaimNext(ctx context.Context, workerID string, now time.Time, excludeTenants []uuid.UUID) (*domain.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*domain.QueueEntry
	for _, e := range q.entries {
		if e.Status != domain.QueueStatusQueued || e.EligibleAt.After(now) {
			continue
		}
		if slices.Contains(excludeTenants, e.TenantID) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	e := candidates[0]
	claimedAt := now.UTC()
	e.Status = domain.QueueStatusClaimed
	e.ClaimedAt = &claimedAt
	e.ClaimedBy = workerID
	e.UpdatedAt = claimedAt
	cp := *e
	return &cp, nil
}

func (q *Queue) Unclaim(ctx context.Context, id uuid.UUID) error {
	return q.update(id, []domain.QueueStatus{domain.QueueStatusClaimed}, func(e *domain.QueueEntry) {
		e.Status = domain.QueueStatusQueued
		e.ClaimedAt = nil
		e.ClaimedBy = ""
	})
}

func (q *Queue) MarkDispatched(ctx context.Context, id uuid.UUID, callID uuid.UUID) error {
	return q.update(id, []domain.QueueStatus{domain.QueueStatusClaimed}, func(e *domain.QueueEntry) {
		e.Status = domain.QueueStatusDispatched
		e.CallID = &callID
	})
}

func (q *Queue) MarkDone(ctx context.Context, id uuid.UUID) error {
	return q.update(id, nil, func(e *domain.QueueEntry) {
		e.Status = domain.QueueStatusDone
	})
}

func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return q.update(id, nil, func(e *domain.QueueEntry) {
		e.Status = domain.QueueStatusFailed
		e.LastError = reason
	})
}

func (q *Queue) Requeue(ctx context.Context, id uuid.UUID, eligibleAt time.Time, attempt int, lastError string) error {
	return q.update(id, nil, func(e *domain.QueueEntry) {
		e.Status = domain.QueueStatusQueued
		e.EligibleAt = eligibleAt.UTC()
		e.Attempt = attempt
		e.LastError = lastError
		e.ClaimedAt = nil
		e.ClaimedBy = ""
		e.CallID = nil
	})
}

func (q *Queue) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.TenantID != tenantID {
		return repository.ErrNotFound
	}
	if e.Status != domain.QueueStatusQueued {
		return repository.ErrConflict
	}
	delete(q.entries, id)
	return nil
}

func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, e := range q.entries {
		if e.Status == domain.QueueStatusClaimed && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = domain.QueueStatusQueued
			e.ClaimedAt = nil
			e.ClaimedBy = ""
			e.UpdatedAt = q.now().UTC()
			n++
		}
	}
	return n, nil
}

func (q *Queue) CountOpen(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, e := range q.entries {
		if e.CampaignID != nil && *e.CampaignID == campaignID && e.Open() {
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of every entry. Test helper.
func (q *Queue) All() []domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (q *Queue) update(id uuid.UUID, from []domain.QueueStatus, fn func(*domain.QueueEntry)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	if len(from) > 0 && !slices.Contains(from, e.Status) {
		return repository.ErrConflict
	}
	fn(e)
	e.UpdatedAt = q.now().UTC()
	return nil
}
