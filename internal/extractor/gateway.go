package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"echo-forge-go/internal/types"
)

// GatewayProvider calls an OpenAI-style chat completions endpoint (the
// OpenAI API itself or an LLM gateway in front of it).
type GatewayProvider struct {
	url    string
	apiKey string
	client *http.Client
}

func NewGatewayProvider(url, apiKey string) *GatewayProvider {
	return &GatewayProvider{url: url, apiKey: apiKey, client: &http.Client{Timeout: 5 * time.Minute}}
}

func (g *GatewayProvider) Name() string { return "llm-gateway" }

func (g *GatewayProvider) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if g.url == "" || g.apiKey == "" {
		return Completion{}, types.NewFatalError("analyze", errors.New("llm gateway not configured"))
	}

	messages := []map[string]string{}
	if p.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": p.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": p.User})
	reqBody := map[string]any{
		"model":       p.Model,
		"messages":    messages,
		"temperature": p.Temperature,
		"max_tokens":  p.MaxTokens,
	}
	data, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(data))
	if err != nil {
		return Completion{}, types.NewFatalError("analyze", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Completion{}, ctx.Err()
		}
		return Completion{}, types.NewTransientError("analyze", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, types.NewTransientError("analyze", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= 300 {
		return Completion{}, types.HTTPStatusError("analyze", resp.StatusCode, string(body))
	}

	var parsed struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(body, &parsed)

	content := extractContentFromChoices(body)
	if content == "" {
		return Completion{}, types.NewTransientError("analyze", fmt.Errorf("no content in LLM output: %.200s", body))
	}
	return Completion{
		Content:          content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// extractContentFromChoices reads openai-style choices[0].message.content
func extractContentFromChoices(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}

	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	c0, _ := choices[0].(map[string]any)
	if c0 == nil {
		return ""
	}
	msg, _ := c0["message"].(map[string]any)
	if msg == nil {
		return ""
	}
	content, _ := msg["content"].(string)
	return content
}
