package domain

import "github.com/google/uuid"

// Tenant is an isolated customer account. Every resource is scoped by its ID.
type Tenant struct {
	ID       uuid.UUID
	Name     string
	Timezone string
	// ConcurrencyLimit overrides the default per-tenant cap when positive.
	ConcurrencyLimit int
}

// Agent is a provider-side voice agent owned by a tenant.
type Agent struct {
	ID       string
	TenantID uuid.UUID
	Name     string
}
