// Package bridge is the HTTP client for the voice provider's call API.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/telephony"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// Client starts calls through the provider REST API.
type Client struct {
	http *resty.Client
}

type startCallBody struct {
	AgentID   string         `json:"agent_id"`
	Recipient string         `json:"recipient_phone_number"`
	UserData  map[string]any `json:"user_data,omitempty"`
}

type startCallResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// NewClient builds a client from configuration.
func NewClient(cfg config.CallBridgeConfig) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: c}
}

// StartCall places the call. Timeouts, transport failures, 429 and 5xx are
// transient; any other non-2xx response is a rejection.
func (c *Client) StartCall(ctx context.Context, req telephony.StartCallRequest) (telephony.StartCallResult, error) {
	userData := map[string]any{
		domain.MetadataCallID:   req.CallID.String(),
		domain.MetadataTenantID: req.TenantID.String(),
	}
	for k, v := range req.Metadata {
		userData[k] = v
	}

	var out startCallResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(startCallBody{AgentID: req.AgentID, Recipient: req.Phone, UserData: userData}).
		SetResult(&out).
		SetError(&out).
		Post("/call")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return telephony.StartCallResult{}, err
		}
		return telephony.StartCallResult{}, fmt.Errorf("start call: %v: %w", err, apperrors.ErrProviderTransient)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return telephony.StartCallResult{}, fmt.Errorf("start call: provider status %d %s: %w", status, out.Message, apperrors.ErrProviderTransient)
	case resp.IsError():
		return telephony.StartCallResult{}, fmt.Errorf("start call: provider status %d %s: %w", status, out.Message, apperrors.ErrProviderRejected)
	case out.ExecutionID == "":
		return telephony.StartCallResult{}, fmt.Errorf("start call: response without execution id: %w", apperrors.ErrProviderTransient)
	}

	return telephony.StartCallResult{ExecutionID: out.ExecutionID, Status: out.Status}, nil
}
