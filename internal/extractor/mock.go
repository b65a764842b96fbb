package extractor

import (
	"context"
	"strings"

	"echo-forge-go/internal/types"
)

// MockProvider returns deterministic completions; enabled with USE_MOCK_LLM=true.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (MockProvider) Name() string { return "mock" }

func (MockProvider) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	var content string
	switch p.Kind {
	case KindTranslation:
		_, text, _ := strings.Cut(p.User, "\n\n")
		content = "[translated] " + text
	case types.AnalysisKeywords:
		content = `{"keywords":[{"term":"quarterly plan","relevance":0.92},{"term":"next steps","relevance":0.81},{"term":"budget","relevance":0.64}]}`
	case types.AnalysisEmotion:
		content = `{"label":"positive","detail":"Collaborative and constructive tone throughout.","confidence":0.82}`
	default:
		content = "The speakers review the quarterly plan, agree on priorities and assign next steps."
	}
	return Completion{Content: content, PromptTokens: len(p.User) / 4, CompletionTokens: len(content) / 4}, nil
}
