package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-care-backend/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

const systemPrompt = `You are an employee-support assistant for an HR team.
Read the conversation and answer the employee's latest message.
Either ask one short clarifying question, or propose concrete, practical steps.
Respond with a single JSON object and nothing else:
{"reply": string, "category": "grievance"|"request"|"wellness",
 "severity": "low"|"medium"|"high"|"critical", "likely_resolved": boolean}
Set likely_resolved to true only when the reply proposes a complete solution.`

// LLMOption configures an LLM classifier.
type LLMOption func(*LLM)

// WithBaseURL sets the API base URL, for example a gateway in front of the
// provider.
func WithBaseURL(baseURL string) LLMOption {
	return func(c *LLM) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) LLMOption {
	return func(c *LLM) { c.httpClient = hc }
}

// WithModel sets the chat model name.
func WithModel(model string) LLMOption {
	return func(c *LLM) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBudget trims histories with b before each request.
func WithBudget(b *HistoryBudget) LLMOption {
	return func(c *LLM) { c.budget = b }
}

// WithRules replaces DefaultRules.
func WithRules(r Rules) LLMOption {
	return func(c *LLM) { c.rules = r }
}

// LLM classifies messages with an OpenAI-compatible chat completion API.
type LLM struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	budget     *HistoryBudget
	rules      Rules
}

// NewLLM creates an LLM classifier.
func NewLLM(apiKey string, opts ...LLMOption) *LLM {
	c := &LLM{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      "gpt-4o-mini",
		httpClient: &http.Client{Timeout: 20 * time.Second},
		rules:      DefaultRules(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Reply          string `json:"reply"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	LikelyResolved *bool  `json:"likely_resolved"`
}

// Classify implements Classifier. Every transport, status, or decoding
// failure is wrapped in ErrUnavailable.
func (c *LLM) Classify(ctx context.Context, history []Turn) (Result, error) {
	tr := otel.Tracer("classifier/llm")
	ctx, span := tr.Start(ctx, "Classify", trace.WithAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("history.turns", len(history)),
	))
	defer span.End()

	latest := latestUser(history)
	if strings.TrimSpace(latest) == "" {
		return Result{}, fmt.Errorf("%w: no user message", ErrUnavailable)
	}

	sent := c.budget.Trim(history)
	msgs := make([]chatMessage, 0, len(sent)+1)
	msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	for _, t := range sent {
		role := "user"
		if t.Sender == domain.SenderAssistant {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Text})
	}

	content, err := c.complete(ctx, &chatCompletionRequest{
		Model:          c.model,
		Messages:       msgs,
		Temperature:    0.3,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var v verdict
	if err := json.Unmarshal([]byte(stripFence(content)), &v); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("%w: decode verdict: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(v.Reply) == "" {
		return Result{}, fmt.Errorf("%w: empty reply", ErrUnavailable)
	}

	res := Result{
		Reply:    strings.TrimSpace(v.Reply),
		Category: strings.ToLower(strings.TrimSpace(v.Category)),
		Severity: strings.ToLower(strings.TrimSpace(v.Severity)),
	}
	if v.LikelyResolved != nil {
		res.LikelyResolved = *v.LikelyResolved
	} else {
		res.LikelyResolved = c.rules.LooksLikeSolution(res.Reply)
	}
	res = c.rules.Enforce(latest, res)
	span.SetAttributes(
		attribute.String("triage.category", res.Category),
		attribute.String("triage.severity", res.Severity),
		attribute.Bool("triage.likely_resolved", res.LikelyResolved),
	)
	return res, nil
}

func (c *LLM) complete(ctx context.Context, req *chatCompletionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// stripFence removes a surrounding ```json fence some models emit despite
// the response format.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
