package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository/memory"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type fixture struct {
	sched     *Scheduler
	campaigns *memory.Campaigns
	queue     *memory.Queue
	tenant    domain.Tenant
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	dir := memory.NewDirectory()
	tenant := domain.Tenant{ID: uuid.New(), Name: "acme", Timezone: "America/New_York"}
	dir.PutTenant(tenant)

	campaigns := memory.NewCampaigns()
	queue := memory.NewQueue()
	s := New(Deps{
		Campaigns: campaigns,
		Tenants:   dir,
		Queue:     queue,
		Stats:     campaigns.Stats(),
	}, config.SchedulerConfig{
		RescanCeiling: time.Minute,
		MaxBatchSize:  50,
		CampaignLimit: 100,
		LockTTL:       30 * time.Second,
	}, domain.RetryPolicy{MaxAttempts: 3}, "US", logger.NewNop())
	s.now = func() time.Time { return now }
	return &fixture{sched: s, campaigns: campaigns, queue: queue, tenant: tenant}
}

func (f *fixture) campaign(status domain.CampaignStatus, batch, contacts int) domain.Campaign {
	c := domain.Campaign{
		ID:          uuid.New(),
		TenantID:    f.tenant.ID,
		AgentID:     "agent-1",
		WindowStart: 9 * 60,
		WindowEnd:   17 * 60,
		Status:      status,
		BatchSize:   batch,
	}
	f.campaigns.Put(c)
	var list []domain.Contact
	for i := 0; i < contacts; i++ {
		list = append(list, domain.Contact{TenantID: f.tenant.ID, Phone: fmt.Sprintf("(650) 253-%04d", i)})
	}
	f.campaigns.AddContacts(c.ID, list...)
	return c
}

func TestWakeEnqueuesInsideWindow(t *testing.T) {
	// 10:00 in New York.
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	c := f.campaign(domain.CampaignStatusActive, 3, 5)
	ctx := context.Background()

	next, err := f.sched.Wake(ctx)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), next)

	entries := f.queue.All()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, domain.PriorityCampaign, e.Priority)
		assert.Equal(t, 3, e.MaxAttempts)
		assert.Regexp(t, `^\+1650253000[0-4]$`, e.Phone)
	}

	stored, err := f.campaigns.Get(ctx, f.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stored.Cursor)

	stats, err := f.campaigns.Stats().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalCalls)

	// The batch is full until entries leave the open states.
	_, err = f.sched.Wake(ctx)
	require.NoError(t, err)
	assert.Len(t, f.queue.All(), 3)
}

func TestWakeTopsUpAfterEntriesFinish(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	c := f.campaign(domain.CampaignStatusActive, 2, 3)
	ctx := context.Background()

	_, err := f.sched.Wake(ctx)
	require.NoError(t, err)
	for _, e := range f.queue.All() {
		require.NoError(t, f.queue.MarkDone(ctx, e.ID))
	}

	_, err = f.sched.Wake(ctx)
	require.NoError(t, err)
	assert.Len(t, f.queue.All(), 3)

	stored, err := f.campaigns.Get(ctx, f.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stored.Cursor)
}

func TestWakeOutsideWindowEnqueuesNothing(t *testing.T) {
	// 17:30 in New York; the window reopens at 09:00 local, 13:00 UTC.
	now := time.Date(2024, 7, 1, 21, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.campaign(domain.CampaignStatusActive, 3, 5)

	next, err := f.sched.Wake(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.queue.All())
	assert.Equal(t, now.Add(time.Minute), next, "ceiling bounds the wait")
}

func TestWakeActivatesAndCompletesCampaigns(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	ctx := context.Background()

	past := now.Add(-time.Hour)
	due := f.campaign(domain.CampaignStatusScheduled, 5, 1)
	due.StartsAt = &past
	f.campaigns.Put(due)

	future := now.Add(time.Hour)
	later := f.campaign(domain.CampaignStatusScheduled, 5, 1)
	later.StartsAt = &future
	f.campaigns.Put(later)

	empty := f.campaign(domain.CampaignStatusActive, 5, 0)

	_, err := f.sched.Wake(ctx)
	require.NoError(t, err)

	got, err := f.campaigns.Get(ctx, f.tenant.ID, due.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, got.Status)

	got, err = f.campaigns.Get(ctx, f.tenant.ID, later.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, got.Status)

	got, err = f.campaigns.Get(ctx, f.tenant.ID, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCompleted, got.Status)

	assert.Len(t, f.queue.All(), 1)
}

func TestWakeSkipsInvalidPhones(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	c := f.campaign(domain.CampaignStatusActive, 5, 0)
	f.campaigns.AddContacts(c.ID,
		domain.Contact{Phone: "not a number"},
		domain.Contact{Phone: "+16502530000"},
	)

	_, err := f.sched.Wake(context.Background())
	require.NoError(t, err)

	entries := f.queue.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "+16502530000", entries[0].Phone)

	stored, err := f.campaigns.Get(context.Background(), f.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored.Cursor, "cursor moves past skipped contacts")
}

type stubLeader struct{ leader bool }

func (s *stubLeader) Acquire(context.Context) (bool, error) { return s.leader, nil }
func (s *stubLeader) Release(context.Context) error         { return nil }

func TestCycleFollowerDoesNotWake(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.campaign(domain.CampaignStatusActive, 3, 5)
	f.sched.deps.Leader = &stubLeader{}

	next := f.sched.cycle(context.Background())
	assert.Equal(t, now.Add(15*time.Second), next)
	assert.Empty(t, f.queue.All())

	f.sched.deps.Leader = &stubLeader{leader: true}
	next = f.sched.cycle(context.Background())
	assert.Equal(t, now.Add(15*time.Second), next, "leader renews before the lock expires")
	assert.Len(t, f.queue.All(), 3)
}
