// Package analysis scores call transcripts. The model itself is an external
// collaborator; this package only frames the request and validates the reply.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	apperrors "github.com/acme/call-orchestrator/pkg/errors"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Analyzer turns a transcript plus the contact's prior analyses into scores,
// extracted fields and a one-line summary.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, history []*domain.LeadAnalysis) (domain.AnalysisResult, error)
}

const defaultModel = openai.GPT4oMini

const systemPrompt = `You analyse outbound sales call transcripts.
Reply with a single JSON object:
{"scores":{"intent":0-100,"urgency":0-100,"budget":0-100,"fit":0-100,"engagement":0-100},
 "extraction":{"name":"","email":"","company":"","role":"","extra":{}},
 "summary":"one sentence"}
Use empty strings for fields the caller did not state. Never invent contact details.`

// OpenAIAnalyzer implements Analyzer with a JSON-mode chat completion.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	log    *logger.Logger
}

// NewOpenAIAnalyzer builds the analyzer from configuration.
func NewOpenAIAnalyzer(cfg config.AnalysisConfig, log *logger.Logger) *OpenAIAnalyzer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &OpenAIAnalyzer{client: openai.NewClientWithConfig(clientCfg), model: model, log: log}
}

// Analyze calls the model. Any failure wraps apperrors.ErrAnalysisFailed.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string, history []*domain.LeadAnalysis) (domain.AnalysisResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return domain.AnalysisResult{}, fmt.Errorf("empty transcript: %w", apperrors.ErrAnalysisFailed)
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(transcript, history)},
		},
	})
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("openai chat: %v: %w", err, apperrors.ErrAnalysisFailed)
	}
	if len(resp.Choices) == 0 {
		return domain.AnalysisResult{}, fmt.Errorf("openai chat: no choices: %w", apperrors.ErrAnalysisFailed)
	}

	result, err := ParseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	a.log.Debug("transcript analysed",
		zap.String("model", a.model),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Int("overall", result.Scores.Overall()),
	)
	return result, nil
}

// ParseResult decodes and clamps a model reply.
func ParseResult(content string) (domain.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("decode analysis: %v: %w", err, apperrors.ErrAnalysisFailed)
	}
	result.Scores = clampScores(result.Scores)
	result.Summary = strings.TrimSpace(result.Summary)
	return result, nil
}

func userPrompt(transcript string, history []*domain.LeadAnalysis) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Earlier calls with this contact, newest first:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s (%s, overall %d): %s\n",
				h.CreatedAt.Format("2006-01-02"), h.LeadStatus, h.Scores.Overall(), h.Summary)
		}
		b.WriteString("\n")
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String()
}

func clampScores(s domain.LeadScores) domain.LeadScores {
	clamp := func(v int) int { return max(0, min(100, v)) }
	return domain.LeadScores{
		Intent:     clamp(s.Intent),
		Urgency:    clamp(s.Urgency),
		Budget:     clamp(s.Budget),
		Fit:        clamp(s.Fit),
		Engagement: clamp(s.Engagement),
	}
}
