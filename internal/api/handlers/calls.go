package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	callsvc "github.com/acme/call-orchestrator/internal/service/call"
)

type directCallRequest struct {
	AgentID     string         `json:"agent_id"`
	PhoneNumber string         `json:"phone_number"`
	Metadata    map[string]any `json:"metadata"`
}

type queueEntryResponse struct {
	ID          uuid.UUID          `json:"id"`
	CampaignID  *uuid.UUID         `json:"campaign_id,omitempty"`
	AgentID     string             `json:"agent_id"`
	PhoneNumber string             `json:"phone_number"`
	Priority    string             `json:"priority"`
	Status      domain.QueueStatus `json:"status"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	CallID      *uuid.UUID         `json:"call_id,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	EligibleAt  time.Time          `json:"eligible_at"`
}

type callResponse struct {
	ID             uuid.UUID             `json:"id"`
	CampaignID     *uuid.UUID            `json:"campaign_id,omitempty"`
	QueueEntryID   *uuid.UUID            `json:"queue_entry_id,omitempty"`
	ExecutionID    string                `json:"execution_id"`
	AgentID        string                `json:"agent_id"`
	PhoneNumber    string                `json:"phone_number"`
	Status         domain.CallStatus     `json:"status"`
	Stage          domain.Stage          `json:"stage"`
	Outcome        domain.Outcome        `json:"outcome,omitempty"`
	Duration       int                   `json:"duration_seconds"`
	RecordingURL   string                `json:"recording_url,omitempty"`
	HangupReason   string                `json:"hangup_reason,omitempty"`
	Summary        string                `json:"summary,omitempty"`
	Synthesized    bool                  `json:"synthesized"`
	AnalysisStatus domain.AnalysisStatus `json:"analysis_status,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	EndedAt        *time.Time            `json:"ended_at,omitempty"`
}

type callEventResponse struct {
	EventID    uuid.UUID       `json:"event_id"`
	Stage      string          `json:"stage"`
	Outcome    string          `json:"outcome"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

func (h *HandlerSet) enqueueDirectCall(ctx *fiber.Ctx) error {
	var req directCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	entry, err := h.calls.EnqueueDirectCall(ctx.UserContext(), callsvc.DirectCallInput{
		TenantID:    tenantID(ctx),
		AgentID:     req.AgentID,
		PhoneNumber: req.PhoneNumber,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(toQueueEntryResponse(entry))
}

func (h *HandlerSet) getQueueEntry(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "queue entry")
	if err != nil {
		return err
	}
	entry, err := h.calls.GetQueueEntry(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toQueueEntryResponse(entry))
}

func (h *HandlerSet) cancelQueued(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "queue entry")
	if err != nil {
		return err
	}
	if err := h.calls.CancelQueued(ctx.UserContext(), tenantID(ctx), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "call")
	if err != nil {
		return err
	}
	call, err := h.calls.GetCall(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(call))
}

func (h *HandlerSet) listCallEvents(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "call")
	if err != nil {
		return err
	}
	state, err := callsvc.DecodePagingState(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	page, err := h.calls.ListEvents(ctx.UserContext(), tenantID(ctx), id, ctx.QueryInt("limit", 50), state)
	if err != nil {
		return translateError(err)
	}

	events := make([]callEventResponse, 0, len(page.Events))
	for _, e := range page.Events {
		events = append(events, callEventResponse{
			EventID:    e.EventID,
			Stage:      e.Stage,
			Outcome:    e.Outcome,
			Payload:    json.RawMessage(e.Payload),
			OccurredAt: e.OccurredAt,
			ReceivedAt: e.ReceivedAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"events":          events,
		"next_page_token": callsvc.EncodePagingState(page.PagingState),
	})
}

func (h *HandlerSet) concurrencyStatus(ctx *fiber.Ctx) error {
	status, err := h.calls.ConcurrencyStatus(ctx.UserContext(), tenantID(ctx))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(status)
}

func toQueueEntryResponse(e *domain.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:          e.ID,
		CampaignID:  e.CampaignID,
		AgentID:     e.AgentID,
		PhoneNumber: e.Phone,
		Priority:    e.Priority.String(),
		Status:      e.Status,
		Attempt:     e.Attempt,
		MaxAttempts: e.MaxAttempts,
		CallID:      e.CallID,
		LastError:   e.LastError,
		EnqueuedAt:  e.EnqueuedAt,
		EligibleAt:  e.EligibleAt,
	}
}

func toCallResponse(call *domain.Call) callResponse {
	return callResponse{
		ID:             call.ID,
		CampaignID:     call.CampaignID,
		QueueEntryID:   call.QueueEntryID,
		ExecutionID:    call.ExecutionID,
		AgentID:        call.AgentID,
		PhoneNumber:    call.Phone,
		Status:         call.Status,
		Stage:          call.Stage,
		Outcome:        call.Outcome,
		Duration:       call.Duration,
		RecordingURL:   call.RecordingURL,
		HangupReason:   call.HangupReason,
		Summary:        call.Summary,
		Synthesized:    call.Synthesized,
		AnalysisStatus: call.AnalysisStatus,
		CreatedAt:      call.CreatedAt,
		EndedAt:        call.EndedAt,
	}
}
