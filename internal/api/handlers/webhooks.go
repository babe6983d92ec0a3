package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/domain"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// providerWebhookRequest is the status callback the voice provider posts for
// every stage change of a call.
type providerWebhookRequest struct {
	ExecutionID         string         `json:"execution_id"`
	Status              string         `json:"status"`
	AgentID             string         `json:"agent_id"`
	RecipientPhone      string         `json:"recipient_phone_number"`
	Duration            float64        `json:"conversation_duration"`
	Transcript          string         `json:"transcript"`
	Summary             string         `json:"summary"`
	RecordingURL        string         `json:"recording_url"`
	HangupReason        string         `json:"hangup_reason"`
	ErrorMessage        string         `json:"error_message"`
	AnsweredByVoicemail *bool          `json:"answered_by_voice_mail"`
	UserData            map[string]any `json:"user_data"`
	Timestamp           *time.Time     `json:"timestamp"`
}

func (h *HandlerSet) providerWebhook(ctx *fiber.Ctx) error {
	var req providerWebhookRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	event, err := req.toEvent(time.Now().UTC())
	if err != nil {
		return translateError(err)
	}

	if err := h.webhooks.Publish(ctx.UserContext(), event); err != nil {
		h.log.WithContext(ctx.UserContext()).Error("webhook publish failed", zap.Error(err),
			zap.String("execution_id", event.ExecutionID))
		return fiber.NewError(http.StatusServiceUnavailable, "event could not be accepted")
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"event_id": event.EventID})
}

func (r providerWebhookRequest) toEvent(receivedAt time.Time) (domain.LifecycleEvent, error) {
	executionID := strings.TrimSpace(r.ExecutionID)
	if executionID == "" {
		return domain.LifecycleEvent{}, fmt.Errorf("%w: execution_id is required", apperrors.ErrValidation)
	}
	stage := domain.ParseStage(r.Status)
	if stage == domain.StageUnknown {
		return domain.LifecycleEvent{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownStage, r.Status)
	}

	event := domain.LifecycleEvent{
		EventID:      uuid.New(),
		ExecutionID:  executionID,
		Stage:        stage,
		RawStage:     r.Status,
		AgentID:      r.AgentID,
		Phone:        r.RecipientPhone,
		Duration:     int(r.Duration),
		Transcript:   r.Transcript,
		RecordingURL: r.RecordingURL,
		HangupReason: r.HangupReason,
		ErrorReason:  r.ErrorMessage,
		Summary:      r.Summary,
		Voicemail:    r.AnsweredByVoicemail,
		Metadata:     r.UserData,
		OccurredAt:   receivedAt,
		ReceivedAt:   receivedAt,
	}
	if r.Timestamp != nil {
		event.OccurredAt = r.Timestamp.UTC()
	}
	event.CallID = metadataUUID(r.UserData, domain.MetadataCallID)
	event.TenantID = metadataUUID(r.UserData, domain.MetadataTenantID)
	return event, nil
}

func metadataUUID(data map[string]any, key string) *uuid.UUID {
	raw, ok := data[key].(string)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
