package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/telephony"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.CallBridgeConfig{BaseURL: srv.URL, APIKey: "secret", RequestTimeout: time.Second})
}

func TestStartCallSuccess(t *testing.T) {
	callID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body startCallBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.AgentID)
		assert.Equal(t, "+16502530000", body.Recipient)
		assert.Equal(t, callID.String(), body.UserData["call_id"])
		assert.Equal(t, "blue", body.UserData["segment"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"execution_id":"exec-42","status":"queued"}`))
	})

	res, err := client.StartCall(context.Background(), telephony.StartCallRequest{
		CallID:   callID,
		TenantID: uuid.New(),
		AgentID:  "agent-1",
		Phone:    "+16502530000",
		Metadata: map[string]any{"segment": "blue"},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-42", res.ExecutionID)
	assert.Equal(t, "queued", res.Status)
}

func TestStartCallClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"invalid number"}`, want: apperrors.ErrProviderRejected},
		{name: "not found agent", status: http.StatusNotFound, body: `{"message":"agent not found"}`, want: apperrors.ErrProviderRejected},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, want: apperrors.ErrProviderTransient},
		{name: "server error", status: http.StatusBadGateway, body: `{}`, want: apperrors.ErrProviderTransient},
		{name: "missing execution id", status: http.StatusOK, body: `{"status":"queued"}`, want: apperrors.ErrProviderTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.StartCall(context.Background(), telephony.StartCallRequest{AgentID: "a", Phone: "+16502530000"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStartCallTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	client := NewClient(config.CallBridgeConfig{BaseURL: srv.URL, RequestTimeout: 20 * time.Millisecond})

	_, err := client.StartCall(context.Background(), telephony.StartCallRequest{AgentID: "a", Phone: "+16502530000"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProviderTransient)
}
