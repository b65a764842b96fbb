package transcription

import (
	"context"
	"fmt"
)

// MockProvider returns a canned transcript; enabled with USE_MOCK_TRANSCRIBE=true.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (MockProvider) Name() string { return "mock" }

func (MockProvider) Transcribe(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	text := fmt.Sprintf("MOCK TRANSCRIPT part %d: the speaker reviews the quarterly plan and agrees on next steps.", req.ChunkIndex+1)
	return Response{
		Text:       text,
		Language:   lang,
		Confidence: 0.95,
	}, nil
}
