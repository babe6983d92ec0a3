package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/analysis"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/metrics"
	"github.com/acme/call-orchestrator/internal/repository"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
	"github.com/acme/call-orchestrator/pkg/phone"
)

// historyDepth bounds the prior analyses passed to the analyzer.
const historyDepth = 5

// Service maintains the two lead analytics views. Individual rows are written
// once per call; the complete row per (tenant, phone) is folded from them.
type Service struct {
	store    repository.AnalysisStore
	calls    repository.CallStore
	analyzer analysis.Analyzer
	region   string
	log      *logger.Logger
	now      func() time.Time
}

func NewService(store repository.AnalysisStore, calls repository.CallStore, analyzer analysis.Analyzer, region string, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		calls:    calls,
		analyzer: analyzer,
		region:   region,
		log:      log,
		now:      time.Now,
	}
}

// RecordAnalysis analyses a completed call's transcript and writes both views.
// Replaying the same call is a no-op on the complete row. On analyzer failure
// the call is marked for re-run and the error wraps ErrAnalysisFailed.
func (s *Service) RecordAnalysis(ctx context.Context, call *domain.Call) error {
	if strings.TrimSpace(call.Transcript) == "" {
		return fmt.Errorf("analytics: call %s has no transcript: %w", call.ID, apperrors.ErrValidation)
	}

	history, err := s.store.ListIndividual(ctx, call.TenantID, repository.AnalysisFilter{Phone: call.Phone, Limit: historyDepth})
	if err != nil {
		s.log.Warn("analytics: load history", zap.Error(err), zap.String("call_id", call.ID.String()))
		history = nil
	}

	result, err := s.analyzer.Analyze(ctx, call.Transcript, history)
	if err != nil {
		metrics.AnalysisRuns.WithLabelValues("failed").Inc()
		s.setStatus(ctx, call.ID, domain.AnalysisFailed)
		s.log.Error("analytics: analysis failed", zap.Error(err), zap.String("call_id", call.ID.String()))
		if !errors.Is(err, apperrors.ErrAnalysisFailed) {
			err = fmt.Errorf("%w: %v", apperrors.ErrAnalysisFailed, err)
		}
		return err
	}

	now := s.now().UTC()
	callID := call.ID
	individual := &domain.LeadAnalysis{
		Kind:       domain.AnalysisKindIndividual,
		TenantID:   call.TenantID,
		Phone:      call.Phone,
		CallID:     &callID,
		Scores:     result.Scores,
		LeadStatus: result.Scores.Status(),
		Extraction: result.Extraction,
		Summary:    result.Summary,
	}

	inserted, err := s.store.RecordCall(ctx, individual, MergeComplete(individual, now))
	if err != nil {
		s.setStatus(ctx, call.ID, domain.AnalysisFailed)
		return fmt.Errorf("analytics: record call %s: %w", call.ID, err)
	}
	if !inserted {
		s.log.Debug("analytics: call already analysed", zap.String("call_id", call.ID.String()))
	}
	metrics.AnalysisRuns.WithLabelValues("done").Inc()
	s.setStatus(ctx, call.ID, domain.AnalysisDone)
	return nil
}

// MergeComplete folds one individual analysis into the contact's aggregate.
func MergeComplete(individual *domain.LeadAnalysis, at time.Time) repository.CompleteMerge {
	return func(existing *domain.LeadAnalysis) *domain.LeadAnalysis {
		merged := domain.LeadAnalysis{
			Kind:     domain.AnalysisKindComplete,
			TenantID: individual.TenantID,
			Phone:    individual.Phone,
		}
		if existing != nil {
			merged = *existing
		}
		merged.Scores = individual.Scores
		merged.LeadStatus = individual.LeadStatus
		merged.Extraction = merged.Extraction.Merge(individual.Extraction)
		if individual.Summary != "" {
			merged.Summary = individual.Summary
		}
		merged.InteractionCount++
		merged.SuccessfulInteractions++
		merged.LastCallID = individual.CallID
		merged.LastOutcome = domain.OutcomeCompleted
		merged.LastInteractionAt = &at
		return &merged
	}
}

// RecordOutcome counts a terminal interaction that produced no analysis.
func (s *Service) RecordOutcome(ctx context.Context, call *domain.Call) error {
	outcome := call.Outcome
	if outcome == domain.OutcomeNone {
		outcome = domain.OutcomeCompleted
	}
	callID := call.ID
	if err := s.store.RecordOutcome(ctx, call.TenantID, call.Phone, outcome, &callID, s.now().UTC()); err != nil {
		return fmt.Errorf("analytics: record outcome: %w", err)
	}
	return nil
}

// RecordExhausted surfaces a target whose retries ran out as its own outcome.
func (s *Service) RecordExhausted(ctx context.Context, tenantID uuid.UUID, phone string, callID *uuid.UUID, at time.Time) error {
	if err := s.store.RecordOutcome(ctx, tenantID, phone, domain.OutcomeExhausted, callID, at); err != nil {
		return fmt.Errorf("analytics: record exhausted: %w", err)
	}
	return nil
}

// ListCallAnalyses lists per-call analyses. It reads individual rows only.
func (s *Service) ListCallAnalyses(ctx context.Context, tenantID uuid.UUID, filter repository.AnalysisFilter) ([]*domain.LeadAnalysis, error) {
	if filter.Phone != "" {
		normalized, err := phone.Normalize(filter.Phone, s.region)
		if err != nil {
			return nil, err
		}
		filter.Phone = normalized
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListIndividual(ctx, tenantID, filter)
}

// ContactProfile returns the contact's aggregate lead state. It reads the
// complete row only.
func (s *Service) ContactProfile(ctx context.Context, tenantID uuid.UUID, rawPhone string) (*domain.LeadAnalysis, error) {
	normalized, err := phone.Normalize(rawPhone, s.region)
	if err != nil {
		return nil, err
	}
	return s.store.GetComplete(ctx, tenantID, normalized)
}

// RerunFailed re-analyses up to limit calls whose analysis previously failed.
// It returns how many succeeded.
func (s *Service) RerunFailed(ctx context.Context, limit int) (int, error) {
	calls, err := s.calls.ListByAnalysisStatus(ctx, domain.AnalysisFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("analytics: list failed analyses: %w", err)
	}
	done := 0
	for _, call := range calls {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.RecordAnalysis(ctx, call); err != nil {
			continue
		}
		done++
	}
	if len(calls) > 0 {
		s.log.Info("analytics: re-ran failed analyses", zap.Int("candidates", len(calls)), zap.Int("succeeded", done))
	}
	return done, nil
}

func (s *Service) setStatus(ctx context.Context, callID uuid.UUID, status domain.AnalysisStatus) {
	if s.calls == nil {
		return
	}
	if err := s.calls.SetAnalysisStatus(ctx, callID, status); err != nil {
		s.log.Warn("analytics: set analysis status", zap.Error(err), zap.String("call_id", callID.String()))
	}
}
