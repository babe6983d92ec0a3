package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/scheduler"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Exhaustion reasons recorded on the queue entry and in metrics.
const (
	ReasonAttempts     = "max_attempts"
	ReasonWindowClosed = "window_closed"
)

// ExhaustionRecorder surfaces exhausted targets to analytics.
type ExhaustionRecorder interface {
	RecordExhausted(ctx context.Context, tenantID uuid.UUID, phone string, callID *uuid.UUID, at time.Time) error
}

// OutcomePublisher emits terminal outcomes downstream.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event domain.CallOutcomeEvent) error
}

// Deps wires the coordinator's collaborators. Campaigns and Tenants are only
// needed for the window cutoff; Analytics and Publisher are optional.
type Deps struct {
	Queue     repository.QueueStore
	Retries   repository.RetryStore
	Campaigns repository.CampaignRepository
	Tenants   repository.TenantStore
	Stats     repository.CampaignStatisticsRepository
	Analytics ExhaustionRecorder
	Publisher OutcomePublisher
}

// Decision reports what Schedule did with an entry.
type Decision struct {
	Retry     bool
	Attempt   int
	NextAt    time.Time
	Exhausted string
}

// Coordinator re-queues retryable outcomes with exponential backoff and
// fails entries that run out of attempts or window.
type Coordinator struct {
	deps   Deps
	policy domain.RetryPolicy
	log    *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewCoordinator(deps Deps, policy domain.RetryPolicy, log *logger.Logger) *Coordinator {
	return &Coordinator{
		deps:   deps,
		policy: policy,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Schedule handles a retryable outcome for entry. The attempt that just ended
// is counted, so an entry with MaxAttempts 3 is dialled at most three times.
func (c *Coordinator) Schedule(ctx context.Context, entry *domain.QueueEntry, callID *uuid.UUID, reason domain.Outcome) (Decision, error) {
	if entry == nil {
		return Decision{}, fmt.Errorf("retry: nil queue entry")
	}
	now := c.now().UTC()
	attempts := entry.Attempt + 1
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.policy.MaxAttempts
	}

	if attempts >= maxAttempts {
		return c.exhaust(ctx, entry, callID, reason, attempts, ReasonAttempts, now)
	}

	policy := c.policyFor(ctx, entry)
	next := now.Add(c.Backoff(policy, attempts))

	if entry.CampaignID != nil {
		closeAt, err := c.windowClose(ctx, entry, now)
		if err != nil {
			return Decision{}, err
		}
		if closeAt.IsZero() || !next.Before(closeAt) {
			return c.exhaust(ctx, entry, callID, reason, attempts, ReasonWindowClosed, now)
		}
	}

	if err := c.deps.Retries.Upsert(ctx, &domain.RetryEntry{
		QueueEntryID:   entry.ID,
		TenantID:       entry.TenantID,
		CallID:         callID,
		Reason:         reason,
		Attempt:        attempts,
		NextEligibleAt: next,
	}); err != nil {
		return Decision{}, fmt.Errorf("retry: record entry: %w", err)
	}
	if err := c.deps.Queue.Requeue(ctx, entry.ID, next, attempts, string(reason)); err != nil {
		return Decision{}, fmt.Errorf("retry: requeue: %w", err)
	}
	c.applyStats(ctx, entry, repository.StatsDelta{RetriedCallsDelta: 1})
	metrics.Retries.WithLabelValues(string(reason), "scheduled").Inc()

	c.log.Info("retry scheduled",
		zap.String("queue_entry_id", entry.ID.String()),
		zap.String("reason", string(reason)),
		zap.Int("attempt", attempts),
		zap.Time("next_at", next))
	return Decision{Retry: true, Attempt: attempts, NextAt: next}, nil
}

// Clear drops the pending retry for an entry that finished successfully.
func (c *Coordinator) Clear(ctx context.Context, queueEntryID uuid.UUID) error {
	err := c.deps.Retries.Delete(ctx, queueEntryID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("retry: clear: %w", err)
	}
	return nil
}

// Backoff returns the delay before the attempt after attempt. The delay
// doubles per attempt from BaseDelay, is capped at MaxDelay, and is spread by
// Jitter without dropping below BaseDelay.
func (c *Coordinator) Backoff(policy domain.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Minute
	}
	maxDelay := policy.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}

	exponent := math.Pow(2, float64(attempt-1))
	delay := maxDelay
	if exponent < float64(maxDelay/base) {
		delay = time.Duration(exponent) * base
	}

	if policy.Jitter > 0 {
		c.mu.Lock()
		fraction := c.rng.Float64()*policy.Jitter - policy.Jitter/2
		c.mu.Unlock()
		delay += time.Duration(float64(delay) * fraction)
		if delay < base {
			delay = base
		}
	}
	return delay
}

func (c *Coordinator) exhaust(ctx context.Context, entry *domain.QueueEntry, callID *uuid.UUID, reason domain.Outcome, attempts int, why string, now time.Time) (Decision, error) {
	if err := c.deps.Queue.MarkFailed(ctx, entry.ID, fmt.Sprintf("%s: %s", domain.OutcomeExhausted, why)); err != nil {
		return Decision{}, fmt.Errorf("retry: mark exhausted: %w", err)
	}
	if err := c.Clear(ctx, entry.ID); err != nil {
		c.log.Warn("retry: clear exhausted entry", zap.Error(err))
	}
	if c.deps.Analytics != nil {
		if err := c.deps.Analytics.RecordExhausted(ctx, entry.TenantID, entry.Phone, callID, now); err != nil {
			c.log.Error("retry: record exhausted outcome", zap.Error(err), zap.String("queue_entry_id", entry.ID.String()))
		}
	}
	c.applyStats(ctx, entry, repository.StatsDelta{ExhaustedCallsDelta: 1, FailedCallsDelta: 1})
	if c.deps.Publisher != nil {
		entryID := entry.ID
		err := c.deps.Publisher.PublishOutcome(ctx, domain.CallOutcomeEvent{
			CallID:       callID,
			QueueEntryID: &entryID,
			TenantID:     entry.TenantID,
			CampaignID:   entry.CampaignID,
			Phone:        entry.Phone,
			Status:       domain.CallStatusFailed,
			Outcome:      domain.OutcomeExhausted,
			Attempt:      attempts,
			OccurredAt:   now,
		})
		if err != nil {
			c.log.Warn("retry: publish exhausted outcome", zap.Error(err))
		}
	}
	metrics.Retries.WithLabelValues(string(reason), why).Inc()

	c.log.Info("retries exhausted",
		zap.String("queue_entry_id", entry.ID.String()),
		zap.String("reason", string(reason)),
		zap.String("cause", why),
		zap.Int("attempts", attempts))
	return Decision{Attempt: attempts, Exhausted: why}, nil
}

// policyFor prefers the campaign's own retry policy over the default.
func (c *Coordinator) policyFor(ctx context.Context, entry *domain.QueueEntry) domain.RetryPolicy {
	policy := c.policy
	if entry.CampaignID == nil || c.deps.Campaigns == nil {
		return policy
	}
	campaign, err := c.deps.Campaigns.Get(ctx, entry.TenantID, *entry.CampaignID)
	if err != nil {
		return policy
	}
	if p := campaign.RetryPolicy; p.BaseDelay > 0 {
		policy.BaseDelay = p.BaseDelay
		if p.MaxDelay > 0 {
			policy.MaxDelay = p.MaxDelay
		}
		policy.Jitter = p.Jitter
	}
	return policy
}

// HoldOutsideWindow takes a claimed campaign entry out of dispatch when its
// campaign window is closed. A retry is exhausted with window_closed; a first
// attempt is requeued for the next window open. It reports whether the entry
// was held; false means it may be dialled now.
func (c *Coordinator) HoldOutsideWindow(ctx context.Context, entry *domain.QueueEntry) (bool, error) {
	if entry == nil || entry.CampaignID == nil || c.deps.Campaigns == nil {
		return false, nil
	}
	now := c.now().UTC()
	campaign, loc, err := c.campaignWindow(ctx, entry)
	if err != nil {
		return false, err
	}
	if campaign == nil || scheduler.IsOpen(campaign, loc, now) {
		return false, nil
	}

	if entry.Attempt > 0 {
		_, err := c.exhaust(ctx, entry, entry.CallID, domain.Outcome(entry.LastError), entry.Attempt, ReasonWindowClosed, now)
		return true, err
	}
	next, ok := scheduler.NextOpen(campaign, loc, now)
	if !ok {
		_, err := c.exhaust(ctx, entry, nil, domain.OutcomeNone, 0, ReasonWindowClosed, now)
		return true, err
	}
	if err := c.deps.Queue.Requeue(ctx, entry.ID, next, entry.Attempt, ReasonWindowClosed); err != nil {
		return true, fmt.Errorf("retry: defer to next window: %w", err)
	}
	c.log.Info("queue entry deferred to next window",
		zap.String("queue_entry_id", entry.ID.String()),
		zap.Time("eligible_at", next))
	return true, nil
}

// windowClose returns when the campaign's current window closes, or the zero
// time when it is closed or the campaign is gone.
func (c *Coordinator) windowClose(ctx context.Context, entry *domain.QueueEntry, now time.Time) (time.Time, error) {
	if c.deps.Campaigns == nil {
		return time.Time{}, fmt.Errorf("retry: campaign store not configured")
	}
	campaign, loc, err := c.campaignWindow(ctx, entry)
	if err != nil || campaign == nil {
		return time.Time{}, err
	}
	w, ok := scheduler.WindowAt(campaign, loc, now)
	if !ok {
		return time.Time{}, nil
	}
	return w.Close, nil
}

// campaignWindow loads the entry's campaign and its effective location. A
// missing campaign yields nil without error.
func (c *Coordinator) campaignWindow(ctx context.Context, entry *domain.QueueEntry) (*domain.Campaign, *time.Location, error) {
	campaign, err := c.deps.Campaigns.Get(ctx, entry.TenantID, *entry.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("retry: load campaign: %w", err)
	}
	var tenant *domain.Tenant
	if c.deps.Tenants != nil {
		if t, err := c.deps.Tenants.Get(ctx, entry.TenantID); err == nil {
			tenant = t
		}
	}
	return campaign, scheduler.EffectiveLocation(campaign, tenant), nil
}

func (c *Coordinator) applyStats(ctx context.Context, entry *domain.QueueEntry, delta repository.StatsDelta) {
	if entry.CampaignID == nil || c.deps.Stats == nil {
		return
	}
	if err := c.deps.Stats.ApplyDelta(ctx, *entry.CampaignID, delta); err != nil {
		c.log.Warn("retry: stats delta", zap.Error(err))
	}
}
