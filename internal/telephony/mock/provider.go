package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/telephony"
)

// Provider is an in-process voice provider. It acknowledges every call with a
// fresh execution id unless a failure is scripted for the number.
type Provider struct {
	mu         sync.Mutex
	failures   map[string]error
	executions map[string]string
	calls      []telephony.StartCallRequest
}

// NewProvider constructs a mock provider.
func NewProvider() *Provider {
	return &Provider{failures: map[string]error{}, executions: map[string]string{}}
}

// FailFor makes every StartCall to phone return err.
func (p *Provider) FailFor(phone string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[phone] = err
}

// ExecutionFor makes StartCall to phone acknowledge with executionID.
func (p *Provider) ExecutionFor(phone, executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions[phone] = executionID
}

// StartCall records the request and returns a synthetic execution id.
func (p *Provider) StartCall(ctx context.Context, req telephony.StartCallRequest) (telephony.StartCallResult, error) {
	if err := ctx.Err(); err != nil {
		return telephony.StartCallResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err, ok := p.failures[req.Phone]; ok {
		return telephony.StartCallResult{}, fmt.Errorf("mock provider: %w", err)
	}
	executionID, ok := p.executions[req.Phone]
	if !ok {
		executionID = "exec-" + uuid.NewString()
	}
	return telephony.StartCallResult{ExecutionID: executionID, Status: "queued"}, nil
}

// Calls returns every request seen so far.
func (p *Provider) Calls() []telephony.StartCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.StartCallRequest(nil), p.calls...)
}
