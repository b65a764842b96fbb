package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"echo-forge-go/internal/types"
)

// GeminiProvider serves gemini-* models through the Gemini API.
type GeminiProvider struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey}
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) clientFor(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *GeminiProvider) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if g.apiKey == "" {
		return Completion{}, types.NewFatalError("analyze", errors.New("gemini api key not configured"))
	}
	client, err := g.clientFor(ctx)
	if err != nil {
		return Completion{}, types.NewFatalError("analyze", err)
	}

	text := p.User
	if p.System != "" {
		text = p.System + "\n\n" + p.User
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.Temperature)),
		MaxOutputTokens: int32(p.MaxTokens),
	}

	result, err := client.Models.GenerateContent(ctx, p.Model, genai.Text(text), cfg)
	if err != nil {
		return Completion{}, classifyGeminiError(err)
	}

	var out Completion
	if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		for _, part := range result.Candidates[0].Content.Parts {
			if part.Text != "" {
				out.Content += part.Text
			}
		}
	}
	if out.Content == "" {
		return Completion{}, types.NewTransientError("analyze", errors.New("empty response from Gemini"))
	}
	if result.UsageMetadata != nil {
		out.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// classifyGeminiError sorts SDK errors by their message: quota and server
// errors are transient, auth and bad requests fatal, network errors transient.
func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := err.Error()
	for _, marker := range []string{"429", "quota", "RESOURCE_EXHAUSTED", "500", "502", "503", "504", "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED"} {
		if strings.Contains(msg, marker) {
			return types.NewTransientError("analyze", err)
		}
	}
	for _, marker := range []string{"400", "401", "403", "404", "INVALID_ARGUMENT", "PERMISSION_DENIED", "UNAUTHENTICATED", "NOT_FOUND", "API key"} {
		if strings.Contains(msg, marker) {
			return types.NewFatalError("analyze", err)
		}
	}
	return types.NewTransientError("analyze", err)
}
