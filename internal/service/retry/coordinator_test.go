package retry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository/memory"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type exhaustedRecord struct {
	tenantID uuid.UUID
	phone    string
}

type recorder struct {
	exhausted []exhaustedRecord
	outcomes  []domain.CallOutcomeEvent
}

func (r *recorder) RecordExhausted(_ context.Context, tenantID uuid.UUID, phone string, _ *uuid.UUID, _ time.Time) error {
	r.exhausted = append(r.exhausted, exhaustedRecord{tenantID: tenantID, phone: phone})
	return nil
}

func (r *recorder) PublishOutcome(_ context.Context, event domain.CallOutcomeEvent) error {
	r.outcomes = append(r.outcomes, event)
	return nil
}

type env struct {
	coord     *Coordinator
	queue     *memory.Queue
	retries   *memory.Retries
	campaigns *memory.Campaigns
	rec       *recorder
	tenantID  uuid.UUID
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	dir := memory.NewDirectory()
	tenantID := uuid.New()
	dir.PutTenant(domain.Tenant{ID: tenantID, Timezone: "America/New_York"})

	e := &env{
		queue:     memory.NewQueue(),
		retries:   memory.NewRetries(),
		campaigns: memory.NewCampaigns(),
		rec:       &recorder{},
		tenantID:  tenantID,
	}
	e.coord = NewCoordinator(Deps{
		Queue:     e.queue,
		Retries:   e.retries,
		Campaigns: e.campaigns,
		Tenants:   dir,
		Stats:     e.campaigns.Stats(),
		Analytics: e.rec,
		Publisher: e.rec,
	}, domain.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Minute, MaxDelay: time.Hour}, logger.NewNop())
	e.coord.now = func() time.Time { return now }
	return e
}

func (e *env) enqueue(t *testing.T, campaignID *uuid.UUID, attempt int) *domain.QueueEntry {
	t.Helper()
	entry := &domain.QueueEntry{
		TenantID:    e.tenantID,
		CampaignID:  campaignID,
		Phone:       "+16502530000",
		Priority:    domain.PriorityDirect,
		Attempt:     attempt,
		MaxAttempts: 3,
		Status:      domain.QueueStatusDispatched,
	}
	if campaignID != nil {
		contactID := uuid.New()
		entry.ContactID = &contactID
		entry.Priority = domain.PriorityCampaign
	}
	require.NoError(t, e.queue.Enqueue(context.Background(), entry))
	return entry
}

func TestScheduleRequeuesWithBackoff(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	e := newEnv(t, now)
	ctx := context.Background()
	entry := e.enqueue(t, nil, 0)

	decision, err := e.coord.Schedule(ctx, entry, nil, domain.OutcomeBusy)
	require.NoError(t, err)
	assert.True(t, decision.Retry)
	assert.Equal(t, 1, decision.Attempt)
	assert.Equal(t, now.Add(10*time.Minute), decision.NextAt)

	stored, err := e.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.Equal(t, decision.NextAt, stored.EligibleAt)
	assert.Equal(t, string(domain.OutcomeBusy), stored.LastError)

	pending, err := e.retries.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeBusy, pending.Reason)

	require.NoError(t, e.coord.Clear(ctx, entry.ID))
	_, err = e.retries.Get(ctx, entry.ID)
	assert.Error(t, err)
}

func TestScheduleExhaustsAfterMaxAttempts(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	e := newEnv(t, now)
	ctx := context.Background()
	entry := e.enqueue(t, nil, 2)

	decision, err := e.coord.Schedule(ctx, entry, nil, domain.OutcomeNoAnswer)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, ReasonAttempts, decision.Exhausted)
	assert.Equal(t, 3, decision.Attempt)

	stored, err := e.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, string(domain.OutcomeExhausted))

	require.Len(t, e.rec.exhausted, 1)
	assert.Equal(t, entry.Phone, e.rec.exhausted[0].phone)
	require.Len(t, e.rec.outcomes, 1)
	assert.Equal(t, domain.OutcomeExhausted, e.rec.outcomes[0].Outcome)
}

func (e *env) campaign(t *testing.T) uuid.UUID {
	t.Helper()
	c := domain.Campaign{
		ID:          uuid.New(),
		TenantID:    e.tenantID,
		WindowStart: 9 * 60,
		WindowEnd:   17 * 60,
		Status:      domain.CampaignStatusActive,
	}
	e.campaigns.Put(c)
	return c.ID
}

func TestScheduleStopsAtWindowClose(t *testing.T) {
	// 16:55 in New York, ten minutes of backoff crosses the 17:00 close.
	now := time.Date(2024, 7, 1, 20, 55, 0, 0, time.UTC)
	e := newEnv(t, now)
	ctx := context.Background()
	campaignID := e.campaign(t)
	entry := e.enqueue(t, &campaignID, 0)

	decision, err := e.coord.Schedule(ctx, entry, nil, domain.OutcomeBusy)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.Equal(t, ReasonWindowClosed, decision.Exhausted)

	stats, err := e.campaigns.Stats().Get(ctx, campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ExhaustedCalls)
}

func TestScheduleInsideWindowCountsRetry(t *testing.T) {
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	e := newEnv(t, now)
	ctx := context.Background()
	campaignID := e.campaign(t)
	entry := e.enqueue(t, &campaignID, 0)

	decision, err := e.coord.Schedule(ctx, entry, nil, domain.OutcomeVoicemail)
	require.NoError(t, err)
	assert.True(t, decision.Retry)

	stats, err := e.campaigns.Stats().Get(ctx, campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.RetriedCalls)
	assert.Empty(t, e.rec.exhausted)
}

func TestHoldOutsideWindow(t *testing.T) {
	// 17:05 in New York, five minutes after the window closed.
	now := time.Date(2024, 7, 1, 21, 5, 0, 0, time.UTC)
	e := newEnv(t, now)
	ctx := context.Background()
	campaignID := e.campaign(t)

	fresh := e.enqueue(t, &campaignID, 0)
	held, err := e.coord.HoldOutsideWindow(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, held)
	q, err := e.queue.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, q.Status)
	assert.Equal(t, 0, q.Attempt)
	assert.True(t, q.EligibleAt.Equal(time.Date(2024, 7, 2, 13, 0, 0, 0, time.UTC)), "next 09:00 in New York, got %s", q.EligibleAt)

	retried := e.enqueue(t, &campaignID, 1)
	held, err = e.coord.HoldOutsideWindow(ctx, retried)
	require.NoError(t, err)
	assert.True(t, held)
	q, err = e.queue.Get(ctx, retried.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, q.Status)
	require.Len(t, e.rec.exhausted, 1)

	direct := e.enqueue(t, nil, 0)
	held, err = e.coord.HoldOutsideWindow(ctx, direct)
	require.NoError(t, err)
	assert.False(t, held, "direct calls have no window")
}

func TestHoldOutsideWindowPassesOpenWindow(t *testing.T) {
	e := newEnv(t, time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC))
	campaignID := e.campaign(t)
	entry := e.enqueue(t, &campaignID, 1)

	held, err := e.coord.HoldOutsideWindow(context.Background(), entry)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, e.rec.exhausted)
}

func TestBackoff(t *testing.T) {
	c := NewCoordinator(Deps{}, domain.RetryPolicy{}, logger.NewNop())
	policy := domain.RetryPolicy{BaseDelay: time.Minute, MaxDelay: 5 * time.Minute}

	cases := map[int]time.Duration{
		1:  time.Minute,
		2:  2 * time.Minute,
		3:  4 * time.Minute,
		4:  5 * time.Minute,
		40: 5 * time.Minute,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, c.Backoff(policy, attempt), "attempt %d", attempt)
	}

	policy.Jitter = 0.5
	for i := 0; i < 100; i++ {
		d := c.Backoff(policy, 3)
		assert.GreaterOrEqual(t, d, 3*time.Minute)
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
}
