package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
)

type campaignResponse struct {
	ID          uuid.UUID             `json:"id"`
	Name        string                `json:"name"`
	AgentID     string                `json:"agent_id"`
	Status      domain.CampaignStatus `json:"status"`
	WindowStart string                `json:"window_start"`
	WindowEnd   string                `json:"window_end"`
	Timezone    string                `json:"timezone,omitempty"`
	BatchSize   int                   `json:"batch_size"`
	RetryPolicy retryPolicyResponse   `json:"retry_policy"`
	StartsAt    *time.Time            `json:"starts_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

type retryPolicyResponse struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelay   string  `json:"base_delay"`
	MaxDelay    string  `json:"max_delay"`
	Jitter      float64 `json:"jitter"`
}

type campaignStatsResponse struct {
	TotalCalls     int64 `json:"total_calls"`
	CompletedCalls int64 `json:"completed_calls"`
	FailedCalls    int64 `json:"failed_calls"`
	RetriedCalls   int64 `json:"retried_calls"`
	ExhaustedCalls int64 `json:"exhausted_calls"`
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "campaign")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Get(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "campaign")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Pause(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "campaign")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Resume(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "campaign")
	if err != nil {
		return err
	}
	stats, err := h.campaigns.Stats(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		TotalCalls:     stats.TotalCalls,
		CompletedCalls: stats.CompletedCalls,
		FailedCalls:    stats.FailedCalls,
		RetriedCalls:   stats.RetriedCalls,
		ExhaustedCalls: stats.ExhaustedCalls,
	})
}

func (h *HandlerSet) campaignWindow(ctx *fiber.Ctx) error {
	id, err := pathUUID(ctx, "id", "campaign")
	if err != nil {
		return err
	}
	window, err := h.campaigns.Window(ctx.UserContext(), tenantID(ctx), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(window)
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:          c.ID,
		Name:        c.Name,
		AgentID:     c.AgentID,
		Status:      c.Status,
		WindowStart: c.WindowStart.String(),
		WindowEnd:   c.WindowEnd.String(),
		BatchSize:   c.BatchSize,
		RetryPolicy: retryPolicyResponse{
			MaxAttempts: c.RetryPolicy.MaxAttempts,
			BaseDelay:   c.RetryPolicy.BaseDelay.String(),
			MaxDelay:    c.RetryPolicy.MaxDelay.String(),
			Jitter:      c.RetryPolicy.Jitter,
		},
		StartsAt:    c.StartsAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		CompletedAt: c.CompletedAt,
	}
	if c.UseCustomTimezone {
		resp.Timezone = c.Timezone
	}
	return resp
}
