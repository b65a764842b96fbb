package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/types"
)

type Request struct {
	Audio      []byte
	FileName   string
	Language   string // empty or "auto" lets the provider detect it
	ChunkIndex int
}

type Response struct {
	Text         string
	Language     string
	Segments     []types.Segment
	Confidence   float64
	AudioSeconds float64
}

// Provider is a hosted speech-to-text service. Errors are classified as
// transient or fatal via types.Error.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (Response, error)
}

// Adapter applies the retry policy and usage accounting to a Provider.
type Adapter struct {
	provider Provider
	policy   retry.Policy
	log      *logrus.Entry
}

func NewAdapter(p Provider, policy retry.Policy, log *logrus.Entry) *Adapter {
	return &Adapter{provider: p, policy: policy, log: log.WithField("provider", p.Name())}
}

// Transcribe sends one chunk, retrying up to budget attempts. Every attempt
// is passed to record.
func (a *Adapter) Transcribe(ctx context.Context, req Request, budget int, record types.RecordFunc) (Response, error) {
	if len(req.Audio) == 0 {
		return Response{}, types.NewDecodeError("transcribe", errors.New("empty chunk"))
	}
	if req.Language == types.LanguageAuto {
		req.Language = ""
	}

	policy := a.policy.WithAttempts(budget)
	log := a.log.WithField("chunk", req.ChunkIndex)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait.String(), "error": err.Error()}).Warn("transcription attempt failed, retrying")
	}

	var resp Response
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		r, err := a.provider.Transcribe(ctx, req)
		at := types.Attempt{
			Provider:  a.provider.Name(),
			Operation: types.OperationTranscribe,
			Number:    attempt,
			Duration:  time.Since(start),
		}
		if err != nil {
			at.Error = err.Error()
		} else {
			at.AudioSeconds = r.AudioSeconds
		}
		if record != nil {
			record(at)
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("transcribe chunk %d: %w", req.ChunkIndex, err)
	}
	return resp, nil
}
