// Package memory holds in-memory repositories for tests and local development.
// They honour the same tenant scoping and atomicity contracts as the
// Postgres implementations, using a mutex in place of row locks.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// Directory stores tenants and agents.
type Directory struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]domain.Tenant
	agents  map[string]domain.Agent
}

func NewDirectory() *Directory {
	return &Directory{tenants: map[uuid.UUID]domain.Tenant{}, agents: map[string]domain.Agent{}}
}

func (d *Directory) PutTenant(t domain.Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
}

func (d *Directory) PutAgent(a domain.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = a
}

func (d *Directory) Get(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (d *Directory) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}
