package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/service/concurrency"
	"github.com/acme/call-orchestrator/internal/service/retry"
	"github.com/acme/call-orchestrator/internal/telemetry"
	"github.com/acme/call-orchestrator/internal/telephony"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Slots admits and frees calls.
type Slots interface {
	AcquireSlot(ctx context.Context, tenantID, callID uuid.UUID, priority domain.Priority) (domain.Slot, error)
	ReleaseSlot(ctx context.Context, callID uuid.UUID) (bool, error)
}

// Retrier schedules another attempt after a transient provider failure and
// keeps campaign entries from being dialled outside their window.
type Retrier interface {
	Schedule(ctx context.Context, entry *domain.QueueEntry, callID *uuid.UUID, reason domain.Outcome) (retry.Decision, error)
	HoldOutsideWindow(ctx context.Context, entry *domain.QueueEntry) (bool, error)
}

// OutcomePublisher emits terminal outcomes downstream.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event domain.CallOutcomeEvent) error
}

// Deps are the processor's collaborators. Stats and Publisher are optional.
type Deps struct {
	Queue     repository.QueueStore
	Calls     repository.CallStore
	Slots     Slots
	Provider  telephony.Provider
	Retry     Retrier
	Stats     repository.CampaignStatisticsRepository
	Publisher OutcomePublisher
}

// Processor drains the call queue. Every tick claims up to a batch of
// eligible entries, admits each through the concurrency manager and starts
// the admitted calls with the provider.
type Processor struct {
	deps     Deps
	cfg      config.QueueConfig
	timeout  time.Duration
	workerID string
	log      *logger.Logger
	now      func() time.Time
}

func NewProcessor(deps Deps, cfg config.QueueConfig, providerTimeout time.Duration, log *logger.Logger) *Processor {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	if providerTimeout <= 0 {
		providerTimeout = 10 * time.Second
	}
	return &Processor{
		deps:     deps,
		cfg:      cfg,
		timeout:  providerTimeout,
		workerID: workerID,
		log:      log,
		now:      time.Now,
	}
}

// Run ticks every poll interval until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("queue processor started", zap.String("worker_id", p.workerID), zap.Duration("interval", p.cfg.PollInterval))
	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("queue processor: tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims and dispatches up to one batch. It returns the number of calls
// handed to the provider. A tenant at its cap is skipped for the rest of the
// tick; a full system ends the tick.
func (p *Processor) Tick(ctx context.Context) (int, error) {
	ctx, span := telemetry.Tracer("dispatch").Start(ctx, "dispatch.tick")
	defer span.End()

	var (
		excluded []uuid.UUID
		admitted int
		g        errgroup.Group
	)
	g.SetLimit(max(p.cfg.BatchSize, 1))

	for admitted < p.cfg.BatchSize {
		entry, err := p.deps.Queue.ClaimNext(ctx, p.workerID, p.now().UTC(), excluded)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			span.RecordError(err)
			_ = g.Wait()
			return admitted, fmt.Errorf("claim next: %w", err)
		}

		held, err := p.deps.Retry.HoldOutsideWindow(ctx, entry)
		if err != nil {
			p.unclaim(ctx, entry)
			span.RecordError(err)
			_ = g.Wait()
			return admitted, fmt.Errorf("window check: %w", err)
		}
		if held {
			metrics.DispatchOutcomes.WithLabelValues("window_closed").Inc()
			continue
		}

		callID := uuid.New()
		if _, err := p.deps.Slots.AcquireSlot(ctx, entry.TenantID, callID, entry.Priority); err != nil {
			p.unclaim(ctx, entry)
			var denied *concurrency.DeniedError
			if !errors.As(err, &denied) {
				span.RecordError(err)
				_ = g.Wait()
				return admitted, fmt.Errorf("acquire slot: %w", err)
			}
			metrics.DispatchOutcomes.WithLabelValues("denied_" + denied.Reason).Inc()
			if denied.Reason == concurrency.DeniedSystemCap {
				break
			}
			excluded = append(excluded, entry.TenantID)
			continue
		}

		admitted++
		g.Go(func() error {
			p.dispatch(ctx, entry, callID)
			return nil
		})
	}

	_ = g.Wait()
	span.SetAttributes(attribute.Int("dispatch.admitted", admitted))
	return admitted, nil
}

func (p *Processor) unclaim(ctx context.Context, entry *domain.QueueEntry) {
	if err := p.deps.Queue.Unclaim(ctx, entry.ID); err != nil {
		p.log.Error("queue processor: unclaim", zap.Error(err), zap.String("queue_entry_id", entry.ID.String()))
	}
}

func (p *Processor) dispatch(ctx context.Context, entry *domain.QueueEntry, callID uuid.UUID) {
	ctx, span := telemetry.Tracer("dispatch").Start(ctx, "dispatch.call", trace.WithAttributes(
		attribute.String("call.id", callID.String()),
		attribute.String("queue_entry.id", entry.ID.String()),
		attribute.String("tenant.id", entry.TenantID.String()),
		attribute.String("priority", entry.Priority.String()),
		attribute.Int("attempt", entry.Attempt+1),
	))
	defer span.End()
	log := p.log.WithContext(ctx)

	metadata := make(map[string]any, len(entry.Metadata)+1)
	for k, v := range entry.Metadata {
		metadata[k] = v
	}
	metadata[domain.MetadataQueueEntryID] = entry.ID.String()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	started := time.Now()
	result, err := p.deps.Provider.StartCall(callCtx, telephony.StartCallRequest{
		CallID:   callID,
		TenantID: entry.TenantID,
		AgentID:  entry.AgentID,
		Phone:    entry.Phone,
		Metadata: metadata,
	})
	cancel()
	metrics.DispatchLatency.Observe(time.Since(started).Seconds())

	if err != nil {
		span.RecordError(err)
		p.providerFailed(ctx, log, entry, callID, err)
		return
	}

	call := &domain.Call{
		ID:           callID,
		TenantID:     entry.TenantID,
		AgentID:      entry.AgentID,
		CampaignID:   entry.CampaignID,
		QueueEntryID: &entry.ID,
		ExecutionID:  result.ExecutionID,
		Phone:        entry.Phone,
		Status:       domain.CallStatusInitiated,
		Stage:        domain.StageInitiated,
		Metadata:     entry.Metadata,
	}
	if err := p.deps.Calls.Create(ctx, call); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			span.RecordError(err)
			log.Error("queue processor: create call", zap.Error(err), zap.String("call_id", callID.String()))
		} else if existing, gerr := p.deps.Calls.GetByExecutionID(ctx, result.ExecutionID); gerr == nil && existing.ID != callID {
			// A webhook beat us here and the call was synthesized under another id.
			p.rekeySlot(ctx, log, entry, callID, existing)
			callID = existing.ID
		}
	}
	if err := p.deps.Queue.MarkDispatched(ctx, entry.ID, callID); err != nil {
		log.Error("queue processor: mark dispatched", zap.Error(err), zap.String("queue_entry_id", entry.ID.String()))
	}

	metrics.DispatchOutcomes.WithLabelValues("dispatched").Inc()
	log.Info("call dispatched",
		zap.String("call_id", callID.String()),
		zap.String("execution_id", result.ExecutionID),
		zap.String("queue_entry_id", entry.ID.String()),
		zap.String("priority", entry.Priority.String()))
}

// rekeySlot moves the slot acquired under slotID to the synthesized call so
// the lifecycle release finds it. A call that already ended keeps no slot.
func (p *Processor) rekeySlot(ctx context.Context, log *logger.Logger, entry *domain.QueueEntry, slotID uuid.UUID, call *domain.Call) {
	if _, err := p.deps.Slots.ReleaseSlot(ctx, slotID); err != nil {
		log.Error("queue processor: release slot", zap.Error(err), zap.String("call_id", slotID.String()))
		return
	}
	if call.Terminal() {
		metrics.SlotReleases.WithLabelValues("dispatch").Inc()
		return
	}
	if _, err := p.deps.Slots.AcquireSlot(ctx, entry.TenantID, call.ID, entry.Priority); err != nil {
		log.Warn("queue processor: re-key slot for synthesized call",
			zap.Error(err), zap.String("call_id", call.ID.String()))
	}
}

// providerFailed frees the slot and resolves the entry: transient failures
// go through the retry coordinator, rejections fail the entry.
func (p *Processor) providerFailed(ctx context.Context, log *logger.Logger, entry *domain.QueueEntry, callID uuid.UUID, cause error) {
	shuttingDown := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	if released, err := p.deps.Slots.ReleaseSlot(ctx, callID); err != nil {
		log.Error("queue processor: release slot", zap.Error(err), zap.String("call_id", callID.String()))
	} else if released {
		metrics.SlotReleases.WithLabelValues("dispatch").Inc()
	}

	if shuttingDown {
		p.unclaim(ctx, entry)
		return
	}

	if apperrors.Is(cause, apperrors.ErrProviderRejected) {
		metrics.DispatchOutcomes.WithLabelValues("rejected").Inc()
		log.Warn("provider rejected call", zap.Error(cause), zap.String("queue_entry_id", entry.ID.String()))
		if err := p.deps.Queue.MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
			log.Error("queue processor: mark failed", zap.Error(err))
		}
		if entry.CampaignID != nil && p.deps.Stats != nil {
			if err := p.deps.Stats.ApplyDelta(ctx, *entry.CampaignID, repository.StatsDelta{FailedCallsDelta: 1}); err != nil {
				log.Warn("queue processor: stats delta", zap.Error(err))
			}
		}
		p.publishRejected(ctx, log, entry)
		return
	}

	metrics.DispatchOutcomes.WithLabelValues("transient").Inc()
	log.Warn("provider call failed", zap.Error(cause), zap.String("queue_entry_id", entry.ID.String()))
	if _, err := p.deps.Retry.Schedule(ctx, entry, nil, domain.OutcomeProviderError); err != nil {
		log.Error("queue processor: schedule retry", zap.Error(err), zap.String("queue_entry_id", entry.ID.String()))
	}
}

func (p *Processor) publishRejected(ctx context.Context, log *logger.Logger, entry *domain.QueueEntry) {
	if p.deps.Publisher == nil {
		return
	}
	entryID := entry.ID
	err := p.deps.Publisher.PublishOutcome(ctx, domain.CallOutcomeEvent{
		QueueEntryID: &entryID,
		TenantID:     entry.TenantID,
		CampaignID:   entry.CampaignID,
		Phone:        entry.Phone,
		Status:       domain.CallStatusFailed,
		Outcome:      domain.OutcomeRejected,
		Attempt:      entry.Attempt + 1,
		OccurredAt:   p.now().UTC(),
	})
	if err != nil {
		log.Warn("queue processor: publish outcome", zap.Error(err))
	}
}
