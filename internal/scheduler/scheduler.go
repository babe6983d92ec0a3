package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/telemetry"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
	"github.com/acme/call-orchestrator/pkg/phone"
)

// Leader gates the wake cycle to a single process.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Deps are the stores the scheduler reads and writes.
type Deps struct {
	Campaigns repository.CampaignRepository
	Tenants   repository.TenantStore
	Queue     repository.QueueStore
	Stats     repository.CampaignStatisticsRepository
	Leader    Leader
}

// Scheduler pushes campaign contacts into the call queue while each
// campaign's window is open. It holds no campaign state between cycles:
// every wake reloads campaigns and recomputes the next wake instant.
type Scheduler struct {
	deps   Deps
	cfg    config.SchedulerConfig
	retry  domain.RetryPolicy
	region string
	log    *logger.Logger
	now    func() time.Time
	nudge  chan struct{}
}

// New constructs a scheduler.
func New(deps Deps, cfg config.SchedulerConfig, retry domain.RetryPolicy, region string, log *logger.Logger) *Scheduler {
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		retry:  retry,
		region: region,
		log:    log,
		now:    time.Now,
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge asks the loop to wake early, for example after a campaign resumes.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run executes the wake loop until cancelled. Followers retry leadership
// every half lock TTL.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		if s.deps.Leader != nil {
			if err := s.deps.Leader.Release(context.Background()); err != nil {
				s.log.Warn("scheduler: release leadership", zap.Error(err))
			}
		}
	}()

	for {
		next := s.cycle(ctx)
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.nudge:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) time.Time {
	now := s.now().UTC()
	if s.deps.Leader != nil {
		leader, err := s.deps.Leader.Acquire(ctx)
		if err != nil {
			s.log.Warn("scheduler: leader election", zap.Error(err))
		}
		if !leader {
			return now.Add(s.cfg.LockTTL / 2)
		}
	}

	next, err := s.Wake(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error("scheduler: wake failed", zap.Error(err))
		return now.Add(s.cfg.RescanCeiling)
	}
	// The leader must renew before its lock expires.
	if s.deps.Leader != nil {
		if renewBy := now.Add(s.cfg.LockTTL / 2); next.After(renewBy) {
			next = renewBy
		}
	}
	return next
}

// Wake runs one scheduling pass and returns the next wake instant.
func (s *Scheduler) Wake(ctx context.Context) (time.Time, error) {
	now := s.now().UTC()
	sctx, span := telemetry.Tracer("scheduler").Start(ctx, "scheduler.wake")
	defer span.End()

	if err := s.activateDue(sctx, now); err != nil {
		span.RecordError(err)
		s.log.Warn("scheduler: activate campaigns", zap.Error(err))
	}

	campaigns, err := s.deps.Campaigns.ListByStatus(sctx, domain.CampaignStatusActive, s.cfg.CampaignLimit)
	if err != nil {
		span.RecordError(err)
		return time.Time{}, fmt.Errorf("list active campaigns: %w", err)
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	tenants := map[uuid.UUID]*domain.Tenant{}
	locations := make([]*time.Location, len(campaigns))
	for i, c := range campaigns {
		tenant, err := s.tenant(sctx, tenants, c.TenantID)
		if err != nil {
			s.log.Warn("scheduler: tenant lookup", zap.Error(err), zap.String("tenant_id", c.TenantID.String()))
		}
		loc := EffectiveLocation(c, tenant)
		locations[i] = loc

		if !IsOpen(c, loc, now) {
			continue
		}
		cctx, cspan := telemetry.Tracer("scheduler").Start(sctx, "scheduler.campaign", trace.WithAttributes(
			attribute.String("campaign.id", c.ID.String()),
			attribute.String("tenant.id", c.TenantID.String()),
		))
		if err := s.enqueueBatch(cctx, c, now); err != nil {
			cspan.RecordError(err)
			s.log.Error("scheduler: enqueue batch", zap.Error(err), zap.String("campaign_id", c.ID.String()))
		}
		cspan.End()
	}

	return NextWake(now, s.cfg.RescanCeiling, campaigns, locations), nil
}

// activateDue moves scheduled campaigns whose start time has passed to active.
func (s *Scheduler) activateDue(ctx context.Context, now time.Time) error {
	scheduled, err := s.deps.Campaigns.ListByStatus(ctx, domain.CampaignStatusScheduled, s.cfg.CampaignLimit)
	if err != nil {
		return err
	}
	for _, c := range scheduled {
		if c.StartsAt != nil && c.StartsAt.After(now) {
			continue
		}
		err := s.deps.Campaigns.UpdateStatus(ctx, c.TenantID, c.ID,
			[]domain.CampaignStatus{domain.CampaignStatusScheduled}, domain.CampaignStatusActive)
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("activate campaign %s: %w", c.ID, err)
		}
		s.log.Info("scheduler: campaign activated", zap.String("campaign_id", c.ID.String()))
	}
	return nil
}

// enqueueBatch tops the campaign's open queue entries up to its batch size
// and advances the cursor past what it enqueued.
func (s *Scheduler) enqueueBatch(ctx context.Context, c *domain.Campaign, now time.Time) error {
	batch := c.BatchSize
	if batch <= 0 || batch > s.cfg.MaxBatchSize {
		batch = s.cfg.MaxBatchSize
	}

	open, err := s.deps.Queue.CountOpen(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count open entries: %w", err)
	}
	room := batch - int(open)
	if room <= 0 {
		return nil
	}

	contacts, err := s.deps.Campaigns.NextContacts(ctx, c.ID, c.Cursor, room)
	if err != nil {
		return fmt.Errorf("next contacts: %w", err)
	}
	if len(contacts) == 0 {
		if open == 0 {
			return s.complete(ctx, c)
		}
		return nil
	}

	maxAttempts := c.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.retry.MaxAttempts
	}

	enqueued := 0
	for _, contact := range contacts {
		number, err := phone.Normalize(contact.Phone, s.region)
		if err != nil {
			s.log.Warn("scheduler: skipping contact with invalid phone",
				zap.String("campaign_id", c.ID.String()), zap.String("contact_id", contact.ID.String()), zap.Error(err))
			continue
		}
		campaignID, contactID := c.ID, contact.ID
		entry := &domain.QueueEntry{
			TenantID:    c.TenantID,
			CampaignID:  &campaignID,
			ContactID:   &contactID,
			AgentID:     c.AgentID,
			Phone:       number,
			Priority:    domain.PriorityCampaign,
			MaxAttempts: maxAttempts,
			EnqueuedAt:  now,
			EligibleAt:  now,
			Metadata:    contact.Payload,
		}
		if err := s.deps.Queue.Enqueue(ctx, entry); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return fmt.Errorf("enqueue contact %s: %w", contact.ID, err)
		}
		enqueued++
	}

	last := contacts[len(contacts)-1].Position
	advanced, err := s.deps.Campaigns.AdvanceCursor(ctx, c.ID, c.Cursor, last)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if !advanced {
		s.log.Warn("scheduler: cursor moved concurrently", zap.String("campaign_id", c.ID.String()))
	}

	if enqueued > 0 {
		metrics.ScheduledContacts.Add(float64(enqueued))
		if s.deps.Stats != nil {
			if err := s.deps.Stats.ApplyDelta(ctx, c.ID, repository.StatsDelta{TotalCallsDelta: int64(enqueued)}); err != nil {
				s.log.Warn("scheduler: stats delta", zap.Error(err))
			}
		}
	}
	s.log.Info("scheduler: enqueued contacts",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("count", enqueued),
		zap.Int64("cursor", last))
	return nil
}

func (s *Scheduler) complete(ctx context.Context, c *domain.Campaign) error {
	err := s.deps.Campaigns.UpdateStatus(ctx, c.TenantID, c.ID,
		[]domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusCompleted)
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("complete campaign: %w", err)
	}
	s.log.Info("scheduler: campaign completed", zap.String("campaign_id", c.ID.String()))
	return nil
}

func (s *Scheduler) tenant(ctx context.Context, cache map[uuid.UUID]*domain.Tenant, id uuid.UUID) (*domain.Tenant, error) {
	if t, ok := cache[id]; ok {
		return t, nil
	}
	t, err := s.deps.Tenants.Get(ctx, id)
	if err != nil {
		cache[id] = nil
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		return nil, err
	}
	cache[id] = t
	return t, nil
}
