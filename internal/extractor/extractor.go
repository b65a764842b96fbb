package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/types"
)

// Prompt is one completion request sent to a language model.
type Prompt struct {
	Kind        types.AnalysisType
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider is a hosted language-model service. Errors are classified as
// transient or fatal via types.Error.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// Analyzer turns a transcript into analysis payloads. Provider calls go
// through the retry policy; speech rate is computed locally.
type Analyzer struct {
	fallback Provider
	routes   map[string]Provider
	policy   retry.Policy
	log      *logrus.Entry
}

func NewAnalyzer(p Provider, policy retry.Policy, log *logrus.Entry) *Analyzer {
	return &Analyzer{fallback: p, routes: map[string]Provider{}, policy: policy, log: log}
}

// Route sends models whose name starts with prefix to p.
func (a *Analyzer) Route(prefix string, p Provider) *Analyzer {
	a.routes[prefix] = p
	return a
}

func (a *Analyzer) providerFor(model string) Provider {
	best := ""
	for prefix := range a.routes {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return a.routes[best]
	}
	return a.fallback
}

// Analyze produces one analysis of transcript. durationSeconds feeds the
// speech-rate analysis and may be zero when unknown.
func (a *Analyzer) Analyze(ctx context.Context, transcript string, durationSeconds float64, kind types.AnalysisType, s types.Settings, record types.RecordFunc) (types.AnalysisOutput, error) {
	if strings.TrimSpace(transcript) == "" {
		return types.AnalysisOutput{}, types.NewDecodeError("analyze", errors.New("empty transcript"))
	}
	if kind == types.AnalysisSpeed {
		rate := SpeechRate(transcript, durationSeconds)
		return types.AnalysisOutput{Type: kind, SpeechRate: &rate}, nil
	}

	prompt, err := BuildPrompt(kind, transcript, s)
	if err != nil {
		return types.AnalysisOutput{}, err
	}
	log := a.log.WithField("analysis", kind)
	content, err := a.complete(ctx, prompt, types.OperationAnalyze, s, record, log)
	if err != nil {
		return types.AnalysisOutput{}, fmt.Errorf("%s analysis: %w", kind, err)
	}
	out := parseOutput(kind, content)
	out.Model = s.Model
	log.Debug("analysis completed")
	return out, nil
}

// Translate renders text in language with the settings' model. The
// completion is returned as is, without analysis parsing.
func (a *Analyzer) Translate(ctx context.Context, text, language string, s types.Settings, record types.RecordFunc) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", types.NewDecodeError("translate", errors.New("empty text"))
	}
	prompt, err := BuildTranslationPrompt(text, language, s)
	if err != nil {
		return "", err
	}
	content, err := a.complete(ctx, prompt, types.OperationTranslate, s, record, a.log.WithField("language", language))
	if err != nil {
		return "", fmt.Errorf("translate to %s: %w", language, err)
	}
	return strings.TrimSpace(content), nil
}

// complete sends prompt to the provider routed for s.Model under the retry
// policy and records every attempt.
func (a *Analyzer) complete(ctx context.Context, prompt Prompt, op string, s types.Settings, record types.RecordFunc, log *logrus.Entry) (string, error) {
	provider := a.providerFor(s.Model)
	log = log.WithFields(logrus.Fields{"model": s.Model, "provider": provider.Name()})

	policy := a.policy.WithAttempts(s.RetryBudget)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait.String(), "error": err.Error()}).Warn("completion attempt failed, retrying")
	}

	var content string
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		c, err := provider.Complete(ctx, prompt)
		if err == nil && strings.TrimSpace(c.Content) == "" {
			err = types.NewTransientError(op, errors.New("empty completion"))
		}
		at := types.Attempt{
			Provider:  provider.Name(),
			Operation: op,
			Number:    attempt,
			Duration:  time.Since(start),
			Model:     s.Model,
		}
		if err != nil {
			at.Error = err.Error()
		} else {
			at.PromptTokens = c.PromptTokens
			at.CompletionTokens = c.CompletionTokens
		}
		if record != nil {
			record(at)
		}
		if err != nil {
			return err
		}
		content = c.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Debug("completion received")
	return content, nil
}
