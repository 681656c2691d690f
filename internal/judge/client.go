// Package judge calls a local OpenAI-compatible model backend to classify
// tool calls, parses its 3-tier verdict, guards against hallucinated
// judgments, and falls back to deterministic rules when the model fails.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guardclaw/guardclaw/internal/prompt"
	"github.com/guardclaw/guardclaw/internal/safeguard"
	"github.com/guardclaw/guardclaw/internal/telemetry"
)

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL string
	model   string // configured id, or "auto"
	timeout time.Duration
	client  *http.Client

	resolvedModel string
}

// NewClient creates a judge client. baseURL is the backend root (e.g.
// http://localhost:11434); model may be "auto" to pick the first non-embedding
// model the backend advertises.
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout + 5*time.Second},
	}
}

// Model returns the model id judgments will be attributed to.
func (c *Client) Model() string {
	if c.resolvedModel != "" {
		return c.resolvedModel
	}
	return c.model
}

// Healthy reports whether the backend answers at all. Feeds the fail-closed
// decision on the hook path.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ResolveModel fills in the concrete model id when configured as "auto":
// query /v1/models, drop embedding models, take the first remaining.
func (c *Client) ResolveModel(ctx context.Context) (string, error) {
	if c.model != "auto" {
		c.resolvedModel = c.model
		return c.model, nil
	}
	if c.resolvedModel != "" {
		return c.resolvedModel, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("decode model list: %w", err)
	}
	for _, m := range list.Data {
		if strings.Contains(strings.ToLower(m.ID), "embed") {
			continue
		}
		c.resolvedModel = m.ID
		log.Info().Str("model", m.ID).Msg("Auto-selected judge model")
		return m.ID, nil
	}
	return "", fmt.Errorf("backend advertises no usable models")
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Judge classifies one action. It never returns an error: any transport or
// parse failure produces the fallback classifier's verdict instead, tagged
// backend=fallback.
func (c *Client) Judge(ctx context.Context, profile prompt.Profile, userPrompt string, action safeguard.Action) safeguard.Verdict {
	raw, err := c.complete(ctx, profile, userPrompt)
	if err != nil {
		log.Warn().Err(err).Str("tool", action.Tool).Msg("LLM judge unavailable, using fallback classifier")
		telemetry.Fallbacks.Inc()
		return Fallback(action)
	}

	verdict, err := ParseVerdict(raw)
	if err != nil {
		log.Warn().Err(err).Str("response", truncateRaw(raw, 500)).Msg("Unparseable judge response, using fallback classifier")
		telemetry.Fallbacks.Inc()
		return Fallback(action)
	}

	verdict.Backend = "llm:" + c.Model()
	return GuardHallucination(verdict, action)
}

func (c *Client) complete(ctx context.Context, profile prompt.Profile, userPrompt string) (string, error) {
	model, err := c.ResolveModel(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System(profile)},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   profile.MaxTokens,
		Temperature: profile.Temperature,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	telemetry.LLMCalls.Inc()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, truncateRaw(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncateRaw(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
