package call

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
	"github.com/acme/call-orchestrator/internal/service/common"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/phone"
)

// StatusReader reports a tenant's concurrency usage.
type StatusReader interface {
	Status(ctx context.Context, tenantID uuid.UUID) (domain.ConcurrencyStatus, error)
}

// Service exposes the direct-call surface: enqueue, cancel and read.
type Service struct {
	queue       repository.QueueStore
	calls       repository.CallStore
	tenants     repository.TenantStore
	agents      repository.AgentDirectory
	slots       StatusReader
	events      repository.EventLog
	region      string
	maxAttempts int
}

// NewService builds the call management service.
func NewService(
	queue repository.QueueStore,
	calls repository.CallStore,
	tenants repository.TenantStore,
	agents repository.AgentDirectory,
	slots StatusReader,
	events repository.EventLog,
	region string,
	maxAttempts int,
) *Service {
	return &Service{
		queue:       queue,
		calls:       calls,
		tenants:     tenants,
		agents:      agents,
		slots:       slots,
		events:      events,
		region:      region,
		maxAttempts: maxAttempts,
	}
}

// DirectCallInput encapsulates the arguments for a direct call.
type DirectCallInput struct {
	TenantID    uuid.UUID
	AgentID     string
	PhoneNumber string
	Metadata    map[string]any
}

// EnqueueDirectCall queues a call ahead of all campaign traffic. The call is
// dialled by the queue processor once a slot is free.
func (s *Service) EnqueueDirectCall(ctx context.Context, input DirectCallInput) (*domain.QueueEntry, error) {
	if strings.TrimSpace(input.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent id is required", apperrors.ErrValidation)
	}
	number, err := phone.Normalize(input.PhoneNumber, s.region)
	if err != nil {
		return nil, err
	}
	if _, err := s.tenants.Get(ctx, input.TenantID); err != nil {
		return nil, fmt.Errorf("call service: lookup tenant: %w", err)
	}
	if s.agents != nil {
		agent, err := s.agents.GetAgent(ctx, input.AgentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown agent %q", apperrors.ErrValidation, input.AgentID)
			}
			return nil, fmt.Errorf("call service: lookup agent: %w", err)
		}
		if agent.TenantID != input.TenantID {
			return nil, fmt.Errorf("%w: unknown agent %q", apperrors.ErrValidation, input.AgentID)
		}
	}

	entry := &domain.QueueEntry{
		ID:          uuid.New(),
		TenantID:    input.TenantID,
		AgentID:     input.AgentID,
		Phone:       number,
		Priority:    domain.PriorityDirect,
		Status:      domain.QueueStatusQueued,
		MaxAttempts: s.maxAttempts,
		Metadata:    input.Metadata,
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("call service: enqueue: %w", err)
	}
	return entry, nil
}

// CancelQueued removes an entry that has not been claimed yet. Entries that
// are already dialling report ErrConflict.
func (s *Service) CancelQueued(ctx context.Context, tenantID, entryID uuid.UUID) error {
	if err := s.queue.Cancel(ctx, tenantID, entryID); err != nil {
		return fmt.Errorf("call service: cancel: %w", err)
	}
	return nil
}

// GetQueueEntry returns a tenant's queue entry.
func (s *Service) GetQueueEntry(ctx context.Context, tenantID, entryID uuid.UUID) (*domain.QueueEntry, error) {
	entry, err := s.queue.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return entry, nil
}

// GetCall retrieves a call by id.
func (s *Service) GetCall(ctx context.Context, tenantID, id uuid.UUID) (*domain.Call, error) {
	return s.calls.Get(ctx, tenantID, id)
}

// ConcurrencyStatus reports active calls against the tenant's cap.
func (s *Service) ConcurrencyStatus(ctx context.Context, tenantID uuid.UUID) (domain.ConcurrencyStatus, error) {
	if _, err := s.tenants.Get(ctx, tenantID); err != nil {
		return domain.ConcurrencyStatus{}, err
	}
	return s.slots.Status(ctx, tenantID)
}

// ListEventsResult is one page of a call's lifecycle audit.
type ListEventsResult struct {
	Events      []repository.LoggedEvent
	PagingState []byte
}

// ListEvents pages through the lifecycle events received for a call.
func (s *Service) ListEvents(ctx context.Context, tenantID, callID uuid.UUID, limit int, pagingState []byte) (*ListEventsResult, error) {
	call, err := s.calls.Get(ctx, tenantID, callID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if call.ExecutionID == "" {
		return &ListEventsResult{}, nil
	}
	events, next, err := s.events.List(ctx, call.ExecutionID, limit, pagingState)
	if err != nil {
		return nil, fmt.Errorf("call service: list events: %w", err)
	}
	return &ListEventsResult{Events: events, PagingState: next}, nil
}

// EncodePagingState converts the event log cursor to an API page token.
func EncodePagingState(state []byte) string { return common.EncodePageToken(state) }

// DecodePagingState parses a page token from a client.
func DecodePagingState(token string) ([]byte, error) { return common.DecodePageToken(token) }
