package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/service/retry"
	"github.com/acme/call-orchestrator/internal/telemetry"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
	"github.com/acme/call-orchestrator/pkg/phone"
)

// Event log outcomes.
const (
	OutcomeApplied     = "applied"
	OutcomeSynthesized = "synthesized"
	OutcomeEnriched    = "enriched"
	OutcomeDuplicate   = "duplicate"
	OutcomeRejected    = "rejected"
)

// SlotReleaser frees a call's concurrency slot.
type SlotReleaser interface {
	ReleaseSlot(ctx context.Context, callID uuid.UUID) (bool, error)
}

// RetryScheduler routes retryable outcomes.
type RetryScheduler interface {
	Schedule(ctx context.Context, entry *domain.QueueEntry, callID *uuid.UUID, reason domain.Outcome) (retry.Decision, error)
	Clear(ctx context.Context, queueEntryID uuid.UUID) error
}

// Analytics receives terminal calls.
type Analytics interface {
	RecordAnalysis(ctx context.Context, call *domain.Call) error
	RecordOutcome(ctx context.Context, call *domain.Call) error
}

// OutcomePublisher emits terminal outcomes downstream.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event domain.CallOutcomeEvent) error
}

// Deps wires the processor. Events, Publisher and Stats are optional.
type Deps struct {
	Calls     repository.CallStore
	Queue     repository.QueueStore
	Agents    repository.AgentDirectory
	Tenants   repository.TenantStore
	Slots     SlotReleaser
	Retry     RetryScheduler
	Analytics Analytics
	Events    repository.EventLog
	Publisher OutcomePublisher
	Stats     repository.CampaignStatisticsRepository
}

// Result describes what Handle did with an event.
type Result struct {
	CallID      uuid.UUID
	Outcome     string
	Synthesized bool
	Voicemail   bool
	Retry       *retry.Decision
}

// Processor applies provider lifecycle events to call records. Callers must
// serialise events per execution id; the store's stage compare-and-set keeps
// concurrent deliveries from regressing a call.
type Processor struct {
	deps     Deps
	detector *VoicemailDetector
	region   string
	log      *logger.Logger
	now      func() time.Time
}

func NewProcessor(deps Deps, detector *VoicemailDetector, region string, log *logger.Logger) *Processor {
	return &Processor{
		deps:     deps,
		detector: detector,
		region:   region,
		log:      log,
		now:      time.Now,
	}
}

// Handle applies one event. Duplicates return an error wrapping
// ErrDuplicateEvent and change nothing.
func (p *Processor) Handle(ctx context.Context, event domain.LifecycleEvent) (Result, error) {
	ctx, span := telemetry.Tracer("lifecycle").Start(ctx, "lifecycle.handle", trace.WithAttributes(
		attribute.String("call.execution_id", event.ExecutionID),
		attribute.String("call.stage", event.Stage.String()),
	))
	defer span.End()
	log := p.log.WithContext(ctx)

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = p.now().UTC()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = event.ReceivedAt
	}

	res, err := p.handle(ctx, log, event)
	if res.Outcome == "" {
		res.Outcome = OutcomeRejected
	}
	metrics.LifecycleEvents.WithLabelValues(event.Stage.String(), res.Outcome).Inc()
	p.appendLog(ctx, log, event, res.Outcome)
	if err != nil && !errors.Is(err, apperrors.ErrDuplicateEvent) {
		span.RecordError(err)
	}
	return res, err
}

func (p *Processor) handle(ctx context.Context, log *logger.Logger, event domain.LifecycleEvent) (Result, error) {
	if event.Stage == domain.StageUnknown {
		log.Warn("lifecycle: unknown stage", zap.String("execution_id", event.ExecutionID), zap.String("raw_stage", event.RawStage))
		return Result{}, fmt.Errorf("lifecycle: stage %q: %w", event.RawStage, apperrors.ErrUnknownStage)
	}
	if strings.TrimSpace(event.ExecutionID) == "" {
		return Result{}, fmt.Errorf("lifecycle: event without execution id: %w", apperrors.ErrValidation)
	}

	var res Result
	call, err := p.deps.Calls.GetByExecutionID(ctx, event.ExecutionID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		call, err = p.synthesize(ctx, log, event)
		if err != nil {
			return res, err
		}
		res.Synthesized = true
	case err != nil:
		return res, fmt.Errorf("lifecycle: load call: %w", err)
	}
	res.CallID = call.ID

	if event.Stage.Ordinal() <= call.Stage.Ordinal() {
		return p.late(ctx, log, call, event, res)
	}

	updated := p.apply(log, call, event)
	changed, err := p.deps.Calls.AdvanceStage(ctx, updated)
	if err != nil {
		return res, fmt.Errorf("lifecycle: advance stage: %w", err)
	}
	if !changed {
		log.Debug("lifecycle: stage already applied concurrently",
			zap.String("execution_id", event.ExecutionID), zap.String("stage", event.Stage.String()))
		res.Outcome = OutcomeDuplicate
		return res, apperrors.ErrDuplicateEvent
	}

	res.Outcome = OutcomeApplied
	if res.Synthesized {
		res.Outcome = OutcomeSynthesized
	}
	res.Voicemail = updated.Outcome == domain.OutcomeVoicemail

	if updated.Terminal() {
		decision, err := p.finish(ctx, log, updated)
		res.Retry = decision
		if err != nil {
			return res, err
		}
	}

	log.Info("lifecycle: stage applied",
		zap.String("call_id", updated.ID.String()),
		zap.String("execution_id", updated.ExecutionID),
		zap.String("stage", updated.Stage.String()),
		zap.String("status", string(updated.Status)),
		zap.Bool("synthesized", updated.Synthesized))
	return res, nil
}

// late handles events at or behind the call's stage. A terminal call still
// takes enrichment it does not have yet; anything else is a duplicate.
func (p *Processor) late(ctx context.Context, log *logger.Logger, call *domain.Call, event domain.LifecycleEvent, res Result) (Result, error) {
	if call.Terminal() && event.Stage.Terminal() {
		pending, err := p.unresolved(ctx, call)
		if err != nil {
			return res, err
		}
		if pending {
			log.Info("lifecycle: resuming terminal side effects",
				zap.String("call_id", call.ID.String()), zap.String("execution_id", call.ExecutionID))
			decision, err := p.finish(ctx, log, call)
			res.Retry = decision
			if err != nil {
				return res, err
			}
			res.Outcome = OutcomeApplied
			res.Voicemail = call.Outcome == domain.OutcomeVoicemail
			return res, nil
		}
	}
	if call.Terminal() && hasEnrichment(event) {
		changed, err := p.deps.Calls.Enrich(ctx, call.ID, event.RecordingURL, event.Transcript, event.Summary)
		if err != nil {
			return res, fmt.Errorf("lifecycle: enrich call: %w", err)
		}
		if changed {
			res.Outcome = OutcomeEnriched
			log.Info("lifecycle: enriched terminal call", zap.String("call_id", call.ID.String()))
			if call.Outcome == domain.OutcomeCompleted && call.Transcript == "" && event.Transcript != "" {
				call.Transcript = event.Transcript
				p.analyse(ctx, log, call)
			}
			return res, nil
		}
	}

	log.Debug("lifecycle: duplicate event",
		zap.String("execution_id", event.ExecutionID),
		zap.String("stage", event.Stage.String()),
		zap.String("current_stage", call.Stage.String()))
	res.Outcome = OutcomeDuplicate
	return res, apperrors.ErrDuplicateEvent
}

// unresolved reports whether a terminal call's queue entry is still waiting
// on this call, which means an earlier finish did not complete.
func (p *Processor) unresolved(ctx context.Context, call *domain.Call) (bool, error) {
	if call.QueueEntryID == nil {
		return false, nil
	}
	entry, err := p.deps.Queue.Get(ctx, *call.QueueEntryID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lifecycle: load queue entry: %w", err)
	}
	if entry.Status != domain.QueueStatusDispatched {
		return false, nil
	}
	return entry.CallID == nil || *entry.CallID == call.ID, nil
}

// synthesize creates the call record for an execution whose initiated event
// was never seen. Without an owner the event is dropped.
func (p *Processor) synthesize(ctx context.Context, log *logger.Logger, event domain.LifecycleEvent) (*domain.Call, error) {
	tenantID, err := p.owner(ctx, event)
	if err != nil {
		log.Error("lifecycle: cannot synthesize call without owner",
			zap.Error(err), zap.String("execution_id", event.ExecutionID), zap.String("agent_id", event.AgentID))
		return nil, err
	}

	number := strings.TrimSpace(event.Phone)
	if normalized, err := phone.Normalize(number, p.region); err == nil {
		number = normalized
	} else if number != "" {
		log.Warn("lifecycle: synthesized call keeps unparsed phone", zap.String("execution_id", event.ExecutionID), zap.Error(err))
	}

	call := &domain.Call{
		TenantID:    tenantID,
		AgentID:     event.AgentID,
		ExecutionID: event.ExecutionID,
		Phone:       number,
		Status:      domain.CallStatusInitiated,
		Stage:       domain.StageUnknown,
		Synthesized: true,
		Metadata:    map[string]any{"synthesized_from": event.Stage.String()},
		CreatedAt:   event.OccurredAt.UTC(),
	}
	if event.CallID != nil {
		call.ID = *event.CallID
	}
	if entryID, ok := queueEntryID(event.Metadata); ok {
		if entry, err := p.deps.Queue.Get(ctx, entryID); err == nil && entry.TenantID == tenantID {
			call.QueueEntryID = &entry.ID
			call.CampaignID = entry.CampaignID
			if call.Phone == "" {
				call.Phone = entry.Phone
			}
			if call.AgentID == "" {
				call.AgentID = entry.AgentID
			}
		}
	}

	if err := p.deps.Calls.Create(ctx, call); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return p.deps.Calls.GetByExecutionID(ctx, event.ExecutionID)
		}
		return nil, fmt.Errorf("lifecycle: create synthesized call: %w", err)
	}
	log.Warn("lifecycle: synthesized missing call record",
		zap.String("call_id", call.ID.String()),
		zap.String("execution_id", event.ExecutionID),
		zap.String("stage", event.Stage.String()))
	return call, nil
}

func (p *Processor) owner(ctx context.Context, event domain.LifecycleEvent) (uuid.UUID, error) {
	var tenantID uuid.UUID
	if event.AgentID != "" && p.deps.Agents != nil {
		agent, err := p.deps.Agents.GetAgent(ctx, event.AgentID)
		switch {
		case err == nil:
			tenantID = agent.TenantID
		case !errors.Is(err, repository.ErrNotFound):
			return uuid.Nil, fmt.Errorf("lifecycle: agent lookup: %w", err)
		}
	}
	if event.TenantID != nil {
		if tenantID != uuid.Nil && tenantID != *event.TenantID {
			return uuid.Nil, fmt.Errorf("lifecycle: agent %s belongs to another tenant: %w", event.AgentID, apperrors.ErrMissingOwner)
		}
		tenantID = *event.TenantID
	}
	if tenantID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("lifecycle: no agent or tenant for execution %s: %w", event.ExecutionID, apperrors.ErrMissingOwner)
	}
	if p.deps.Tenants != nil {
		if _, err := p.deps.Tenants.Get(ctx, tenantID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return uuid.Nil, fmt.Errorf("lifecycle: tenant %s: %w", tenantID, apperrors.ErrMissingOwner)
			}
			return uuid.Nil, fmt.Errorf("lifecycle: tenant lookup: %w", err)
		}
	}
	return tenantID, nil
}

// apply returns the call as the event leaves it.
func (p *Processor) apply(log *logger.Logger, call *domain.Call, event domain.LifecycleEvent) *domain.Call {
	next := *call
	next.Stage = event.Stage
	next.Status = domain.StatusForStage(event.Stage)
	if event.Duration > 0 {
		next.Duration = event.Duration
	}
	if event.RecordingURL != "" {
		next.RecordingURL = event.RecordingURL
	}
	if event.HangupReason != "" {
		next.HangupReason = event.HangupReason
	}
	if event.Transcript != "" {
		next.Transcript = event.Transcript
	}
	if event.Summary != "" {
		next.Summary = event.Summary
	}
	if next.Phone == "" && event.Phone != "" {
		next.Phone = event.Phone
	}
	next.Metadata = mergeMetadata(call.Metadata, event.Metadata)

	if !event.Stage.Terminal() {
		return &next
	}
	ended := event.OccurredAt.UTC()
	next.EndedAt = &ended

	switch event.Stage {
	case domain.StageCompleted:
		verdict := p.detector.Detect(event)
		if verdict.Borderline {
			log.Warn("lifecycle: borderline voicemail verdict",
				zap.String("execution_id", event.ExecutionID),
				zap.Bool("voicemail", verdict.Voicemail),
				zap.Strings("signals", verdict.Signals))
		}
		if verdict.Voicemail {
			next.Status = domain.CallStatusFailed
			next.Outcome = domain.OutcomeVoicemail
			next.Metadata["voicemail_signals"] = verdict.Signals
			next.Metadata["original_hangup_reason"] = event.HangupReason
			next.Metadata["original_stage"] = event.Stage.String()
		} else {
			next.Outcome = domain.OutcomeCompleted
		}
	case domain.StageFailed:
		reason := event.ErrorReason
		if reason == "" {
			reason = event.HangupReason
		}
		if reason == "" {
			reason = event.RawStage
		}
		next.Outcome = domain.OutcomeForReason(reason)
	case domain.StageCancelled:
		next.Outcome = domain.OutcomeCancelled
	}
	return &next
}

// finish runs terminal side effects: slot release, queue entry resolution,
// analytics and the outcome stream. Every step that can fail runs before the
// counters and the publish, so a redelivered event may run it again.
func (p *Processor) finish(ctx context.Context, log *logger.Logger, call *domain.Call) (*retry.Decision, error) {
	if p.deps.Slots != nil {
		released, err := p.deps.Slots.ReleaseSlot(ctx, call.ID)
		if err != nil {
			log.Error("lifecycle: release slot", zap.Error(err), zap.String("call_id", call.ID.String()))
		} else if released {
			metrics.SlotReleases.WithLabelValues("lifecycle").Inc()
		}
	}

	var entry *domain.QueueEntry
	if call.QueueEntryID != nil {
		e, err := p.deps.Queue.Get(ctx, *call.QueueEntryID)
		switch {
		case err == nil:
			entry = e
		case errors.Is(err, repository.ErrNotFound):
			log.Warn("lifecycle: queue entry missing", zap.String("queue_entry_id", call.QueueEntryID.String()))
		default:
			return nil, fmt.Errorf("lifecycle: load queue entry: %w", err)
		}
	}

	var decision *retry.Decision
	countOutcome := true
	switch {
	case call.Outcome == domain.OutcomeCompleted:
		if entry != nil {
			if err := p.resolveEntry(ctx, entry, ""); err != nil {
				return nil, err
			}
			if err := p.deps.Retry.Clear(ctx, entry.ID); err != nil {
				log.Warn("lifecycle: clear retry", zap.Error(err))
			}
		}
		p.stats(ctx, log, call, repository.StatsDelta{CompletedCallsDelta: 1})
		if strings.TrimSpace(call.Transcript) != "" {
			p.analyse(ctx, log, call)
			countOutcome = false
		}

	case call.Outcome.Retryable() && entry != nil:
		d, err := p.deps.Retry.Schedule(ctx, entry, &call.ID, call.Outcome)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: schedule retry: %w", err)
		}
		decision = &d
		// The coordinator records exhausted targets itself.
		countOutcome = d.Retry

	default:
		if entry != nil {
			if err := p.resolveEntry(ctx, entry, string(call.Outcome)); err != nil {
				return nil, err
			}
			if err := p.deps.Retry.Clear(ctx, entry.ID); err != nil {
				log.Warn("lifecycle: clear retry", zap.Error(err))
			}
		}
		p.stats(ctx, log, call, repository.StatsDelta{FailedCallsDelta: 1})
	}

	if countOutcome && p.deps.Analytics != nil {
		if err := p.deps.Analytics.RecordOutcome(ctx, call); err != nil {
			log.Error("lifecycle: record outcome", zap.Error(err), zap.String("call_id", call.ID.String()))
		}
	}
	p.publish(ctx, log, call, entry)
	return decision, nil
}

func (p *Processor) resolveEntry(ctx context.Context, entry *domain.QueueEntry, failure string) error {
	var err error
	if failure == "" {
		err = p.deps.Queue.MarkDone(ctx, entry.ID)
	} else {
		err = p.deps.Queue.MarkFailed(ctx, entry.ID, failure)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("lifecycle: resolve queue entry %s: %w", entry.ID, err)
	}
	return nil
}

// analyse never fails the event; the re-run job retries failed analyses.
func (p *Processor) analyse(ctx context.Context, log *logger.Logger, call *domain.Call) {
	if p.deps.Analytics == nil {
		return
	}
	if err := p.deps.Analytics.RecordAnalysis(ctx, call); err != nil {
		log.Warn("lifecycle: transcript analysis deferred", zap.Error(err), zap.String("call_id", call.ID.String()))
	}
}

func (p *Processor) stats(ctx context.Context, log *logger.Logger, call *domain.Call, delta repository.StatsDelta) {
	if call.CampaignID == nil || p.deps.Stats == nil {
		return
	}
	if err := p.deps.Stats.ApplyDelta(ctx, *call.CampaignID, delta); err != nil {
		log.Warn("lifecycle: stats delta", zap.Error(err))
	}
}

func (p *Processor) publish(ctx context.Context, log *logger.Logger, call *domain.Call, entry *domain.QueueEntry) {
	if p.deps.Publisher == nil {
		return
	}
	callID := call.ID
	event := domain.CallOutcomeEvent{
		CallID:       &callID,
		QueueEntryID: call.QueueEntryID,
		TenantID:     call.TenantID,
		CampaignID:   call.CampaignID,
		Phone:        call.Phone,
		Status:       call.Status,
		Outcome:      call.Outcome,
		Synthesized:  call.Synthesized,
		OccurredAt:   p.now().UTC(),
	}
	if entry != nil {
		event.Attempt = entry.Attempt + 1
	}
	if err := p.deps.Publisher.PublishOutcome(ctx, event); err != nil {
		log.Warn("lifecycle: publish outcome", zap.Error(err), zap.String("call_id", call.ID.String()))
	}
}

func (p *Processor) appendLog(ctx context.Context, log *logger.Logger, event domain.LifecycleEvent, outcome string) {
	if p.deps.Events == nil || event.ExecutionID == "" {
		return
	}
	if err := p.deps.Events.Append(ctx, event, outcome); err != nil {
		log.Warn("lifecycle: append event log", zap.Error(err), zap.String("execution_id", event.ExecutionID))
	}
}

func hasEnrichment(event domain.LifecycleEvent) bool {
	return event.RecordingURL != "" || event.Transcript != "" || event.Summary != ""
}

func queueEntryID(metadata map[string]any) (uuid.UUID, bool) {
	raw, ok := metadata[domain.MetadataQueueEntryID].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
