package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository/memory"
	"github.com/acme/call-orchestrator/internal/service/concurrency"
	"github.com/acme/call-orchestrator/internal/service/retry"
	"github.com/acme/call-orchestrator/internal/telephony/mock"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type harness struct {
	proc      *Processor
	queue     *memory.Queue
	calls     *memory.Calls
	slots     *concurrency.Manager
	provider  *mock.Provider
	dir       *memory.Directory
	campaigns *memory.Campaigns
}

func newHarness(t *testing.T, opts concurrency.Options, batch int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		queue:    memory.NewQueue(),
		calls:    memory.NewCalls(),
		provider: mock.NewProvider(),
		dir:      memory.NewDirectory(),
	}
	h.slots = concurrency.NewManager(client, h.dir, opts)
	campaigns := memory.NewCampaigns()
	h.campaigns = campaigns
	coord := retry.NewCoordinator(retry.Deps{
		Queue:     h.queue,
		Retries:   memory.NewRetries(),
		Campaigns: campaigns,
		Tenants:   h.dir,
		Stats:     campaigns.Stats(),
	}, domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}, logger.NewNop())

	h.proc = NewProcessor(Deps{
		Queue:    h.queue,
		Calls:    h.calls,
		Slots:    h.slots,
		Provider: h.provider,
		Retry:    coord,
		Stats:    campaigns.Stats(),
	}, config.QueueConfig{BatchSize: batch, PollInterval: time.Second, WorkerID: "test-worker"}, time.Second, logger.NewNop())
	return h
}

func (h *harness) tenant() uuid.UUID {
	id := uuid.New()
	h.dir.PutTenant(domain.Tenant{ID: id, Timezone: "UTC"})
	return id
}

func (h *harness) enqueue(t *testing.T, tenantID uuid.UUID, phone string, priority domain.Priority, enqueuedAt time.Time) *domain.QueueEntry {
	t.Helper()
	entry := &domain.QueueEntry{
		TenantID:    tenantID,
		AgentID:     "agent-1",
		Phone:       phone,
		Priority:    priority,
		MaxAttempts: 3,
		EnqueuedAt:  enqueuedAt,
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), entry))
	return entry
}

func (h *harness) entry(t *testing.T, id uuid.UUID) *domain.QueueEntry {
	t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestTickDispatchesAndRecordsCalls(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 10}, 10)
	tenantID := h.tenant()
	base := time.Now().Add(-time.Minute)
	campaign := h.enqueue(t, tenantID, "+14155550101", domain.PriorityCampaign, base)
	direct := h.enqueue(t, tenantID, "+14155550102", domain.PriorityDirect, base.Add(time.Second))

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	started := h.provider.Calls()
	require.Len(t, started, 2)
	for _, req := range started {
		assert.NotEmpty(t, req.Metadata[domain.MetadataQueueEntryID])
	}

	for _, id := range []uuid.UUID{campaign.ID, direct.ID} {
		e := h.entry(t, id)
		assert.Equal(t, domain.QueueStatusDispatched, e.Status)
		require.NotNil(t, e.CallID)

		call, err := h.calls.Get(context.Background(), tenantID, *e.CallID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageInitiated, call.Stage)
		assert.NotEmpty(t, call.ExecutionID)
		require.NotNil(t, call.QueueEntryID)
		assert.Equal(t, id, *call.QueueEntryID)
	}

	status, err := h.slots.Status(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Active)
}

func TestTickSkipsTenantAtCap(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 10, DefaultTenantCap: 1}, 10)
	busy := h.tenant()
	idle := h.tenant()
	base := time.Now().Add(-time.Minute)
	first := h.enqueue(t, busy, "+14155550111", domain.PriorityCampaign, base)
	second := h.enqueue(t, busy, "+14155550112", domain.PriorityCampaign, base.Add(time.Second))
	other := h.enqueue(t, idle, "+14155550113", domain.PriorityCampaign, base.Add(2*time.Second))

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, domain.QueueStatusDispatched, h.entry(t, first.ID).Status)
	assert.Equal(t, domain.QueueStatusDispatched, h.entry(t, other.ID).Status)

	held := h.entry(t, second.ID)
	assert.Equal(t, domain.QueueStatusQueued, held.Status, "denied entry stays queued")
	assert.Equal(t, 0, held.Attempt, "a denial is not an attempt")
}

func TestTickStopsAtSystemCap(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 2}, 10)
	base := time.Now().Add(-time.Minute)
	for i, phone := range []string{"+14155550121", "+14155550122", "+14155550123"} {
		h.enqueue(t, h.tenant(), phone, domain.PriorityCampaign, base.Add(time.Duration(i)*time.Second))
	}

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.provider.Calls(), 2)

	queued := 0
	for _, e := range h.queue.All() {
		if e.Status == domain.QueueStatusQueued {
			queued++
		}
	}
	assert.Equal(t, 1, queued)
}

func TestTickDirectReserveFavoursDirectCalls(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 2, DirectReserve: 1}, 10)
	tenantID := h.tenant()
	base := time.Now().Add(-time.Minute)
	h.enqueue(t, tenantID, "+14155550131", domain.PriorityCampaign, base)
	h.enqueue(t, tenantID, "+14155550132", domain.PriorityCampaign, base.Add(time.Second))

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "campaign calls cannot use the direct reserve")

	direct := h.enqueue(t, tenantID, "+14155550133", domain.PriorityDirect, time.Now())
	n, err = h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.QueueStatusDispatched, h.entry(t, direct.ID).Status)
}

func TestTickProviderRejectionFailsEntry(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 5}, 5)
	tenantID := h.tenant()
	entry := h.enqueue(t, tenantID, "+14155550141", domain.PriorityDirect, time.Now().Add(-time.Minute))
	h.provider.FailFor(entry.Phone, apperrors.ErrProviderRejected)

	_, err := h.proc.Tick(context.Background())
	require.NoError(t, err)

	e := h.entry(t, entry.ID)
	assert.Equal(t, domain.QueueStatusFailed, e.Status)
	assert.Empty(t, h.calls.All())

	status, err := h.slots.Status(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Zero(t, status.Active, "slot is released after a rejection")
}

func TestTickTransientFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 5}, 5)
	tenantID := h.tenant()
	entry := h.enqueue(t, tenantID, "+14155550151", domain.PriorityDirect, time.Now().Add(-time.Minute))
	h.provider.FailFor(entry.Phone, apperrors.ErrProviderTransient)

	_, err := h.proc.Tick(context.Background())
	require.NoError(t, err)

	e := h.entry(t, entry.ID)
	assert.Equal(t, domain.QueueStatusQueued, e.Status)
	assert.Equal(t, 1, e.Attempt)
	assert.True(t, e.EligibleAt.After(time.Now()), "retry waits for backoff")

	status, err := h.slots.Status(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Zero(t, status.Active)

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "entry is not eligible before its backoff elapses")
}

func TestTickEmptyQueue(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 5}, 5)
	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// closedCampaign returns a UTC campaign whose one-hour window ended an hour ago.
func (h *harness) closedCampaign(tenantID uuid.UUID) uuid.UUID {
	now := time.Now().UTC()
	minutes := now.Hour()*60 + now.Minute()
	clock := func(m int) domain.ClockTime { return domain.ClockTime(((m % 1440) + 1440) % 1440) }
	c := domain.Campaign{
		ID:          uuid.New(),
		TenantID:    tenantID,
		AgentID:     "agent-1",
		WindowStart: clock(minutes - 120),
		WindowEnd:   clock(minutes - 60),
		Status:      domain.CampaignStatusActive,
	}
	h.campaigns.Put(c)
	return c.ID
}

func TestTickHoldsCampaignEntriesOutsideWindow(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 5}, 5)
	tenantID := h.tenant()
	campaignID := h.closedCampaign(tenantID)
	base := time.Now().Add(-time.Minute)

	campaignEntry := func(phone string, attempt int, enqueuedAt time.Time) *domain.QueueEntry {
		e := &domain.QueueEntry{
			TenantID:    tenantID,
			CampaignID:  &campaignID,
			AgentID:     "agent-1",
			Phone:       phone,
			Priority:    domain.PriorityCampaign,
			Attempt:     attempt,
			MaxAttempts: 3,
			EnqueuedAt:  enqueuedAt,
		}
		if attempt > 0 {
			e.LastError = string(domain.OutcomeBusy)
		}
		require.NoError(t, h.queue.Enqueue(context.Background(), e))
		return e
	}
	fresh := campaignEntry("+14155550161", 0, base)
	retried := campaignEntry("+14155550162", 1, base.Add(time.Second))
	direct := h.enqueue(t, tenantID, "+14155550163", domain.PriorityDirect, base.Add(2*time.Second))

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the direct call is dialled")

	started := h.provider.Calls()
	require.Len(t, started, 1)
	assert.Equal(t, direct.Phone, started[0].Phone)

	deferred := h.entry(t, fresh.ID)
	assert.Equal(t, domain.QueueStatusQueued, deferred.Status)
	assert.Equal(t, 0, deferred.Attempt)
	assert.True(t, deferred.EligibleAt.After(time.Now()), "first attempt waits for the next window")

	exhausted := h.entry(t, retried.ID)
	assert.Equal(t, domain.QueueStatusFailed, exhausted.Status)
	assert.Contains(t, exhausted.LastError, retry.ReasonWindowClosed)

	status, err := h.slots.Status(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Active, "held entries never take a slot")
}

func TestTickRekeysSlotForSynthesizedCall(t *testing.T) {
	h := newHarness(t, concurrency.Options{SystemCap: 5}, 5)
	tenantID := h.tenant()
	entry := h.enqueue(t, tenantID, "+14155550171", domain.PriorityDirect, time.Now().Add(-time.Minute))
	h.provider.ExecutionFor(entry.Phone, "exec-raced")

	synthesized := &domain.Call{
		TenantID:    tenantID,
		ExecutionID: "exec-raced",
		Phone:       entry.Phone,
		Status:      domain.CallStatusRinging,
		Stage:       domain.StageRinging,
		Synthesized: true,
	}
	require.NoError(t, h.calls.Create(context.Background(), synthesized))

	n, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := h.entry(t, entry.ID)
	require.NotNil(t, e.CallID)
	assert.Equal(t, synthesized.ID, *e.CallID)

	released, err := h.slots.ReleaseSlot(context.Background(), synthesized.ID)
	require.NoError(t, err)
	assert.True(t, released, "the slot is held under the synthesized call id")

	status, err := h.slots.Status(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Zero(t, status.Active)
}
