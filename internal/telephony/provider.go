package telephony

import (
	"context"

	"github.com/google/uuid"
)

// StartCallRequest asks the voice provider to dial one number with an agent.
type StartCallRequest struct {
	CallID   uuid.UUID
	TenantID uuid.UUID
	AgentID  string
	Phone    string
	Metadata map[string]any
}

// StartCallResult is the provider's acknowledgement.
type StartCallResult struct {
	ExecutionID string
	Status      string
}

// Provider abstracts the voice provider. Errors wrap
// apperrors.ErrProviderRejected or apperrors.ErrProviderTransient.
type Provider interface {
	StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error)
}
