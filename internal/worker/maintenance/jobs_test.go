package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository/memory"
	"github.com/acme/call-orchestrator/pkg/logger"
)

type stubSweeper struct {
	maxAge time.Duration
	slots  []domain.Slot
	err    error
}

func (s *stubSweeper) SweepStale(_ context.Context, maxAge time.Duration) ([]domain.Slot, error) {
	s.maxAge = maxAge
	return s.slots, s.err
}

type stubRerunner struct {
	limit int
	n     int
}

func (s *stubRerunner) RerunFailed(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return s.n, nil
}

func sweepConfig() config.SweepConfig {
	return config.SweepConfig{
		Schedule:      "@every 1m",
		SlotMaxAge:    30 * time.Minute,
		AnalysisRerun: "@every 5m",
		AnalysisBatch: 7,
	}
}

func TestSweepSlotsUsesMaxAge(t *testing.T) {
	sweeper := &stubSweeper{slots: []domain.Slot{{CallID: uuid.New(), TenantID: uuid.New()}}}
	jobs := NewJobs(sweeper, memory.NewQueue(), &stubRerunner{}, sweepConfig(), time.Minute, logger.NewNop())

	n, err := jobs.SweepSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 30*time.Minute, sweeper.maxAge)
}

func TestSweepSlotsWrapsError(t *testing.T) {
	sweeper := &stubSweeper{err: errors.New("redis down")}
	jobs := NewJobs(sweeper, memory.NewQueue(), &stubRerunner{}, sweepConfig(), time.Minute, logger.NewNop())

	_, err := jobs.SweepSlots(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep slots")
}

func TestReclaimClaimsRevertsOnlyStaleClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	queue := memory.NewQueue()
	for _, phone := range []string{"+14155550161", "+14155550162"} {
		require.NoError(t, queue.Enqueue(ctx, &domain.QueueEntry{
			TenantID:   uuid.New(),
			Phone:      phone,
			Priority:   domain.PriorityDirect,
			EnqueuedAt: now.Add(-time.Hour),
		}))
	}
	stale, err := queue.ClaimNext(ctx, "dead-worker", now.Add(-10*time.Minute), nil)
	require.NoError(t, err)
	fresh, err := queue.ClaimNext(ctx, "live-worker", now, nil)
	require.NoError(t, err)

	jobs := NewJobs(&stubSweeper{}, queue, &stubRerunner{}, sweepConfig(), 2*time.Minute, logger.NewNop())
	jobs.now = func() time.Time { return now }

	n, err := jobs.ReclaimClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := queue.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, e.Status)

	e, err = queue.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusClaimed, e.Status, "a live claim is left alone")
}

func TestRerunAnalysisUsesBatchSize(t *testing.T) {
	rerunner := &stubRerunner{n: 3}
	jobs := NewJobs(&stubSweeper{}, memory.NewQueue(), rerunner, sweepConfig(), time.Minute, logger.NewNop())

	n, err := jobs.RerunAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 7, rerunner.limit)
}

func TestScheduleRegistersJobs(t *testing.T) {
	jobs := NewJobs(&stubSweeper{}, memory.NewQueue(), &stubRerunner{}, sweepConfig(), time.Minute, logger.NewNop())
	c := cron.New()
	require.NoError(t, jobs.Schedule(context.Background(), c))
	assert.Len(t, c.Entries(), 3)
}

func TestScheduleRejectsBadCronExpression(t *testing.T) {
	cfg := sweepConfig()
	cfg.Schedule = "every minute please"
	jobs := NewJobs(&stubSweeper{}, memory.NewQueue(), &stubRerunner{}, cfg, time.Minute, logger.NewNop())
	require.Error(t, jobs.Schedule(context.Background(), cron.New()))
}
