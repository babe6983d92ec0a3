package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

func TestClaimNextOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	tenant := uuid.New()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	oldCampaign := &domain.QueueEntry{TenantID: tenant, Priority: domain.PriorityCampaign, EnqueuedAt: base}
	newCampaign := &domain.QueueEntry{TenantID: tenant, Priority: domain.PriorityCampaign, EnqueuedAt: base.Add(time.Minute)}
	direct := &domain.QueueEntry{TenantID: tenant, Priority: domain.PriorityDirect, EnqueuedAt: base.Add(2 * time.Minute)}
	future := &domain.QueueEntry{TenantID: tenant, Priority: domain.PriorityDirect, EnqueuedAt: base, EligibleAt: base.Add(time.Hour)}
	for _, e := range []*domain.QueueEntry{newCampaign, oldCampaign, direct, future} {
		require.NoError(t, q.Enqueue(ctx, e))
	}

	now := base.Add(5 * time.Minute)
	var order []uuid.UUID
	for {
		e, err := q.ClaimNext(ctx, "w1", now, nil)
		if err != nil {
			require.ErrorIs(t, err, repository.ErrNotFound)
			break
		}
		assert.Equal(t, domain.QueueStatusClaimed, e.Status)
		order = append(order, e.ID)
	}
	assert.Equal(t, []uuid.UUID{direct.ID, oldCampaign.ID, newCampaign.ID}, order)
}

func TestClaimNextExcludesTenants(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	busy, idle := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, &domain.QueueEntry{TenantID: busy, Priority: domain.PriorityDirect}))
	idleEntry := &domain.QueueEntry{TenantID: idle, Priority: domain.PriorityCampaign}
	require.NoError(t, q.Enqueue(ctx, idleEntry))

	e, err := q.ClaimNext(ctx, "w1", time.Now().Add(time.Second), []uuid.UUID{busy})
	require.NoError(t, err)
	assert.Equal(t, idleEntry.ID, e.ID)
}

func TestClaimNextIsExclusive(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(ctx, &domain.QueueEntry{TenantID: uuid.New(), Priority: domain.PriorityCampaign}))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
	)
	now := time.Now().Add(time.Second)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := q.ClaimNext(ctx, "w", now, nil)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 50)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "entry %s claimed more than once", id)
	}
}

func TestUnclaimAndReclaimStale(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	entry := &domain.QueueEntry{TenantID: uuid.New(), Priority: domain.PriorityCampaign}
	require.NoError(t, q.Enqueue(ctx, entry))

	claimedAt := time.Now().Add(time.Second)
	_, err := q.ClaimNext(ctx, "w1", claimedAt, nil)
	require.NoError(t, err)
	require.NoError(t, q.Unclaim(ctx, entry.ID))
	assert.ErrorIs(t, q.Unclaim(ctx, entry.ID), repository.ErrConflict)

	_, err = q.ClaimNext(ctx, "w1", claimedAt, nil)
	require.NoError(t, err)
	n, err := q.ReclaimStale(ctx, claimedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = q.ReclaimStale(ctx, claimedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, stored.Status)
}

func TestEnqueueRejectsDuplicateContact(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	campaignID, contactID := uuid.New(), uuid.New()
	entry := func() *domain.QueueEntry {
		return &domain.QueueEntry{TenantID: uuid.New(), CampaignID: &campaignID, ContactID: &contactID}
	}
	require.NoError(t, q.Enqueue(ctx, entry()))
	assert.ErrorIs(t, q.Enqueue(ctx, entry()), repository.ErrConflict)

	n, err := q.CountOpen(ctx, campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
