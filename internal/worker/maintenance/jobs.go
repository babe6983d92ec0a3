package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// SlotSweeper frees slots whose calls never reported an end.
type SlotSweeper interface {
	SweepStale(ctx context.Context, maxAge time.Duration) ([]domain.Slot, error)
}

// ClaimReclaimer returns abandoned claims to the queue.
type ClaimReclaimer interface {
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalysisRerunner retries failed transcript analyses.
type AnalysisRerunner interface {
	RerunFailed(ctx context.Context, limit int) (int, error)
}

// Jobs are the periodic recovery tasks of the worker process.
type Jobs struct {
	slots    SlotSweeper
	claims   ClaimReclaimer
	analysis AnalysisRerunner
	sweep    config.SweepConfig
	claimTTL time.Duration
	log      *logger.Logger
	now      func() time.Time
}

func NewJobs(slots SlotSweeper, claims ClaimReclaimer, analysis AnalysisRerunner, sweep config.SweepConfig, claimTTL time.Duration, log *logger.Logger) *Jobs {
	return &Jobs{
		slots:    slots,
		claims:   claims,
		analysis: analysis,
		sweep:    sweep,
		claimTTL: claimTTL,
		log:      log,
		now:      time.Now,
	}
}

// SweepSlots force-releases slots older than the configured maximum age.
func (j *Jobs) SweepSlots(ctx context.Context) (int, error) {
	released, err := j.slots.SweepStale(ctx, j.sweep.SlotMaxAge)
	if err != nil {
		return 0, fmt.Errorf("sweep slots: %w", err)
	}
	for _, slot := range released {
		metrics.SlotReleases.WithLabelValues("sweep").Inc()
		j.log.Warn("released stale slot",
			zap.String("call_id", slot.CallID.String()),
			zap.String("tenant_id", slot.TenantID.String()),
			zap.Time("acquired_at", slot.AcquiredAt))
	}
	return len(released), nil
}

// ReclaimClaims reverts queue entries claimed by a worker that died before
// dispatching them.
func (j *Jobs) ReclaimClaims(ctx context.Context) (int64, error) {
	n, err := j.claims.ReclaimStale(ctx, j.now().UTC().Add(-j.claimTTL))
	if err != nil {
		return 0, fmt.Errorf("reclaim claims: %w", err)
	}
	if n > 0 {
		j.log.Warn("reclaimed stale queue claims", zap.Int64("count", n))
	}
	return n, nil
}

// RerunAnalysis re-analyses a bounded batch of calls whose analysis failed.
func (j *Jobs) RerunAnalysis(ctx context.Context) (int, error) {
	n, err := j.analysis.RerunFailed(ctx, j.sweep.AnalysisBatch)
	if err != nil {
		return n, fmt.Errorf("rerun analysis: %w", err)
	}
	if n > 0 {
		j.log.Info("re-ran failed analyses", zap.Int("count", n))
	}
	return n, nil
}

// Schedule registers the jobs on c. Overlapping runs of one job are skipped.
func (j *Jobs) Schedule(ctx context.Context, c *cron.Cron) error {
	recovery := func(name string, run func(context.Context) error) cron.Job {
		return cron.NewChain(cron.SkipIfStillRunning(cronLogger{j.log})).Then(cron.FuncJob(func() {
			jctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := run(jctx); err != nil {
				j.log.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
			}
		}))
	}

	if _, err := c.AddJob(j.sweep.Schedule, recovery("sweep_slots", func(ctx context.Context) error {
		_, err := j.SweepSlots(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("schedule slot sweep: %w", err)
	}
	if _, err := c.AddJob(j.sweep.Schedule, recovery("reclaim_claims", func(ctx context.Context) error {
		_, err := j.ReclaimClaims(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("schedule claim reclaim: %w", err)
	}
	if _, err := c.AddJob(j.sweep.AnalysisRerun, recovery("rerun_analysis", func(ctx context.Context) error {
		_, err := j.RerunAnalysis(ctx)
		return err
	})); err != nil {
		return fmt.Errorf("schedule analysis rerun: %w", err)
	}
	return nil
}

// Run schedules the jobs and blocks until ctx is cancelled.
func (j *Jobs) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{j.log}))
	if err := j.Schedule(ctx, c); err != nil {
		return err
	}
	c.Start()
	j.log.Info("maintenance jobs scheduled",
		zap.String("sweep", j.sweep.Schedule),
		zap.String("analysis_rerun", j.sweep.AnalysisRerun))

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
