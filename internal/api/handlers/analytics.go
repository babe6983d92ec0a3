package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

type leadAnalysisResponse struct {
	ID         uuid.UUID           `json:"id"`
	Kind       domain.AnalysisKind `json:"kind"`
	Phone      string              `json:"phone_number"`
	CallID     *uuid.UUID          `json:"call_id,omitempty"`
	Scores     domain.LeadScores   `json:"scores"`
	Overall    int                 `json:"overall_score"`
	LeadStatus domain.LeadStatus   `json:"lead_status"`
	Extraction domain.Extraction   `json:"extraction"`
	Summary    string              `json:"summary,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

type contactProfileResponse struct {
	leadAnalysisResponse
	InteractionCount       int            `json:"interaction_count"`
	SuccessfulInteractions int            `json:"successful_interactions"`
	FailedInteractions     int            `json:"failed_interactions"`
	LastCallID             *uuid.UUID     `json:"last_call_id,omitempty"`
	LastOutcome            domain.Outcome `json:"last_outcome,omitempty"`
	LastInteractionAt      *time.Time     `json:"last_interaction_at,omitempty"`
}

func (h *HandlerSet) listCallAnalyses(ctx *fiber.Ctx) error {
	filter := repository.AnalysisFilter{
		Phone: ctx.Query("phone"),
		Limit: ctx.QueryInt("limit", 0),
	}
	if raw := ctx.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "since must be RFC3339")
		}
		filter.Since = &since
	}

	rows, err := h.analytics.ListCallAnalyses(ctx.UserContext(), tenantID(ctx), filter)
	if err != nil {
		return translateError(err)
	}

	resp := make([]leadAnalysisResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, toLeadAnalysisResponse(row))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"analyses": resp})
}

func (h *HandlerSet) contactProfile(ctx *fiber.Ctx) error {
	profile, err := h.analytics.ContactProfile(ctx.UserContext(), tenantID(ctx), ctx.Params("phone"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(contactProfileResponse{
		leadAnalysisResponse:   toLeadAnalysisResponse(profile),
		InteractionCount:       profile.InteractionCount,
		SuccessfulInteractions: profile.SuccessfulInteractions,
		FailedInteractions:     profile.FailedInteractions,
		LastCallID:             profile.LastCallID,
		LastOutcome:            profile.LastOutcome,
		LastInteractionAt:      profile.LastInteractionAt,
	})
}

func toLeadAnalysisResponse(a *domain.LeadAnalysis) leadAnalysisResponse {
	return leadAnalysisResponse{
		ID:         a.ID,
		Kind:       a.Kind,
		Phone:      a.Phone,
		CallID:     a.CallID,
		Scores:     a.Scores,
		Overall:    a.Scores.Overall(),
		LeadStatus: a.LeadStatus,
		Extraction: a.Extraction,
		Summary:    a.Summary,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}
