package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository/memory"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

func newManager(t *testing.T, opts Options, tenants ...domain.Tenant) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dir := memory.NewDirectory()
	for _, tenant := range tenants {
		dir.PutTenant(tenant)
	}
	return NewManager(client, dir, opts)
}

func TestAcquireRespectsTenantCap(t *testing.T) {
	tenant := domain.Tenant{ID: uuid.New(), ConcurrencyLimit: 2}
	other := domain.Tenant{ID: uuid.New()}
	m := newManager(t, Options{SystemCap: 10, DefaultTenantCap: 5}, tenant, other)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.AcquireSlot(ctx, tenant.ID, uuid.New(), domain.PriorityCampaign)
		require.NoError(t, err)
	}
	_, err := m.AcquireSlot(ctx, tenant.ID, uuid.New(), domain.PriorityDirect)
	require.ErrorIs(t, err, apperrors.ErrAdmissionDenied)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, DeniedTenantCap, denied.Reason)

	_, err = m.AcquireSlot(ctx, other.ID, uuid.New(), domain.PriorityCampaign)
	require.NoError(t, err, "one tenant's cap never blocks another")

	status, err := m.Status(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConcurrencyStatus{Active: 2, Limit: 2}, status)
}

func TestAcquireRespectsSystemCapAndDirectReserve(t *testing.T) {
	a := domain.Tenant{ID: uuid.New()}
	b := domain.Tenant{ID: uuid.New()}
	m := newManager(t, Options{SystemCap: 3, DefaultTenantCap: 3, DirectReserve: 1}, a, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.AcquireSlot(ctx, a.ID, uuid.New(), domain.PriorityCampaign)
		require.NoError(t, err)
	}
	_, err := m.AcquireSlot(ctx, b.ID, uuid.New(), domain.PriorityCampaign)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, DeniedSystemCap, denied.Reason, "campaign calls cannot use the direct reserve")

	_, err = m.AcquireSlot(ctx, b.ID, uuid.New(), domain.PriorityDirect)
	require.NoError(t, err)

	_, err = m.AcquireSlot(ctx, b.ID, uuid.New(), domain.PriorityDirect)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, DeniedSystemCap, denied.Reason)

	active, err := m.SystemActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestAcquireIsIdempotentPerCall(t *testing.T) {
	tenant := domain.Tenant{ID: uuid.New()}
	m := newManager(t, Options{SystemCap: 1}, tenant)
	ctx := context.Background()
	callID := uuid.New()

	_, err := m.AcquireSlot(ctx, tenant.ID, callID, domain.PriorityCampaign)
	require.NoError(t, err)
	_, err = m.AcquireSlot(ctx, tenant.ID, callID, domain.PriorityCampaign)
	require.NoError(t, err)

	active, err := m.SystemActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestReleaseIsIdempotent(t *testing.T) {
	tenant := domain.Tenant{ID: uuid.New()}
	m := newManager(t, Options{SystemCap: 1}, tenant)
	ctx := context.Background()
	callID := uuid.New()

	_, err := m.AcquireSlot(ctx, tenant.ID, callID, domain.PriorityCampaign)
	require.NoError(t, err)

	released, err := m.ReleaseSlot(ctx, callID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = m.ReleaseSlot(ctx, callID)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = m.ReleaseSlot(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, released)

	_, err = m.AcquireSlot(ctx, tenant.ID, uuid.New(), domain.PriorityCampaign)
	require.NoError(t, err, "released capacity is reusable")
}

func TestSweepStaleReleasesOldSlots(t *testing.T) {
	tenant := domain.Tenant{ID: uuid.New()}
	m := newManager(t, Options{SystemCap: 5}, tenant)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	m.now = func() time.Time { return start }
	stale := uuid.New()
	_, err := m.AcquireSlot(ctx, tenant.ID, stale, domain.PriorityCampaign)
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(20 * time.Minute) }
	fresh := uuid.New()
	_, err = m.AcquireSlot(ctx, tenant.ID, fresh, domain.PriorityCampaign)
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(31 * time.Minute) }
	swept, err := m.SweepStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, stale, swept[0].CallID)
	assert.Equal(t, tenant.ID, swept[0].TenantID)

	status, err := m.Status(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Active)

	released, err := m.ReleaseSlot(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released, "late terminal event after a sweep is a no-op")
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	tenant := domain.Tenant{ID: uuid.New()}
	m := newManager(t, Options{SystemCap: 4}, tenant)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AcquireSlot(ctx, tenant.ID, uuid.New(), domain.PriorityDirect); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, granted)
}

func TestAcquireUnknownTenant(t *testing.T) {
	m := newManager(t, Options{SystemCap: 4})
	_, err := m.AcquireSlot(context.Background(), uuid.New(), uuid.New(), domain.PriorityDirect)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
