package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"echo-forge-go/internal/types"
)

// HTTPProvider talks to an OpenAI-compatible /audio/transcriptions endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		// per-attempt deadlines come from the retry policy
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *HTTPProvider) Name() string { return "openai-whisper" }

type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (p *HTTPProvider) Transcribe(ctx context.Context, req Request) (Response, error) {
	if p.apiKey == "" {
		return Response{}, types.NewFatalError("transcribe", errors.New("transcription api key not configured"))
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return Response{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return Response{}, fmt.Errorf("write form file: %w", err)
	}
	_ = w.WriteField("model", p.model)
	_ = w.WriteField("response_format", "verbose_json")
	_ = w.WriteField("timestamp_granularities[]", "segment")
	if req.Language != "" {
		_ = w.WriteField("language", req.Language)
	}
	if err := w.Close(); err != nil {
		return Response{}, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/transcriptions", &b)
	if err != nil {
		return Response{}, types.NewFatalError("transcribe", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, ctx.Err()
		}
		return Response{}, types.NewTransientError("transcribe", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, types.NewTransientError("transcribe", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= 300 {
		return Response{}, types.HTTPStatusError("transcribe", resp.StatusCode, string(body))
	}

	var parsed verboseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, types.NewTransientError("transcribe", fmt.Errorf("json decode error: %v body=%s", err, truncate(string(body), 200)))
	}
	return parsed.toResponse(), nil
}

func (v verboseResponse) toResponse() Response {
	out := Response{
		Text:         strings.TrimSpace(v.Text),
		Language:     v.Language,
		AudioSeconds: v.Duration,
	}
	var conf float64
	for _, s := range v.Segments {
		out.Segments = append(out.Segments, types.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
		conf += math.Exp(s.AvgLogprob)
	}
	if len(v.Segments) > 0 {
		out.Confidence = conf / float64(len(v.Segments))
	}
	if out.AudioSeconds == 0 && len(out.Segments) > 0 {
		out.AudioSeconds = out.Segments[len(out.Segments)-1].End
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
