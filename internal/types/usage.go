package types

import (
	"sync"
	"time"
)

const (
	OperationTranscribe = "transcribe"
	OperationAnalyze    = "analyze"
	OperationFetch      = "fetch"
	OperationTranslate  = "translate"
)

// Attempt is one provider call as seen by usage accounting.
type Attempt struct {
	Provider         string        `json:"provider"`
	Operation        string        `json:"operation"`
	Number           int           `json:"number"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration"`
	AudioSeconds     float64       `json:"audio_seconds,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Model            string        `json:"model,omitempty"`
}

// RecordFunc receives every attempt, successful or not.
type RecordFunc func(Attempt)

type Usage struct {
	Attempts         int     `json:"attempts"`
	FailedAttempts   int     `json:"failed_attempts"`
	AudioSeconds     float64 `json:"audio_seconds"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

const audioCostPerMinute = 0.006

// per 1K tokens: prompt, completion
var tokenPrices = map[string][2]float64{
	"gpt-3.5-turbo":    {0.0005, 0.0015},
	"gpt-4":            {0.03, 0.06},
	"gpt-4-turbo":      {0.01, 0.03},
	"gpt-4o":           {0.005, 0.015},
	"gemini-2.5-flash": {0.0003, 0.0025},
	"gemini-2.5-pro":   {0.00125, 0.01},
}

// Meter accumulates attempts from concurrent calls.
type Meter struct {
	mu    sync.Mutex
	usage Usage
}

func (m *Meter) Record(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Attempts++
	if a.Error != "" {
		m.usage.FailedAttempts++
		return
	}
	m.usage.AudioSeconds += a.AudioSeconds
	m.usage.PromptTokens += a.PromptTokens
	m.usage.CompletionTokens += a.CompletionTokens
	m.usage.EstimatedCostUSD += a.AudioSeconds / 60 * audioCostPerMinute
	if p, ok := tokenPrices[a.Model]; ok {
		m.usage.EstimatedCostUSD += float64(a.PromptTokens)/1000*p[0] + float64(a.CompletionTokens)/1000*p[1]
	}
}

func (m *Meter) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
