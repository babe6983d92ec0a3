package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// Retries keeps one pending retry per queue entry.
type Retries struct {
	mu      sync.Mutex
	entries map[uuid.UUID]domain.RetryEntry
}

func NewRetries() *Retries {
	return &Retries{entries: map[uuid.UUID]domain.RetryEntry{}}
}

func (r *Retries) Upsert(ctx context.Context, entry *domain.RetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[entry.QueueEntryID]; ok {
		entry.ID = cur.ID
		entry.CreatedAt = cur.CreatedAt
	} else {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries[entry.QueueEntryID] = *entry
	return nil
}

func (r *Retries) Get(ctx context.Context, queueEntryID uuid.UUID) (*domain.RetryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[queueEntryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (r *Retries) Delete(ctx context.Context, queueEntryID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, queueEntryID)
	return nil
}
