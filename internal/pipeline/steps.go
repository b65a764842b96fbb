package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/fingerprint"
	"echo-forge-go/internal/transcription"
	"echo-forge-go/internal/types"
)

const (
	persistTimeout = 10 * time.Second
	noSpeech       = "no speech detected"
)

// Advance performs exactly one state transition of job id and reports
// whether the job is now terminal. Job failures are recorded on the job;
// the returned error only reports an unknown id.
func (s *Scheduler) Advance(ctx context.Context, id string) (bool, error) {
	t, err := s.task(id)
	if err != nil {
		return false, err
	}
	t.step.Lock()
	defer t.step.Unlock()

	from := t.state()
	if from.Terminal() {
		return true, nil
	}
	if t.isCancelled() {
		s.fail(t, types.NewCancelledError(string(from)))
		return true, nil
	}

	stepCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelStep = cancel
	t.mu.Unlock()

	next, err := s.run(stepCtx, t, from)

	t.mu.Lock()
	t.cancelStep = nil
	t.mu.Unlock()
	cancel()

	switch {
	case t.isCancelled() || ctx.Err() != nil:
		s.fail(t, types.NewCancelledError(string(from)))
	case err != nil:
		s.fail(t, err)
	case next == types.StateCompleted:
		s.complete(t)
	default:
		s.transition(t, from, next)
	}
	return t.state().Terminal(), nil
}

func (s *Scheduler) run(ctx context.Context, t *task, from types.JobState) (types.JobState, error) {
	switch from {
	case types.StateSubmitted:
		return types.StateFingerprinting, s.load(t)
	case types.StateFingerprinting:
		return types.StateCacheCheck, s.fingerprint(t)
	case types.StateCacheCheck:
		if s.lookup(ctx, t) {
			return types.StateCacheHit, nil
		}
		return types.StateChunking, nil
	case types.StateCacheHit:
		return types.StateCompleted, nil
	case types.StateChunking:
		return types.StateTranscribing, s.split(ctx, t)
	case types.StateTranscribing:
		return types.StateReassembling, s.transcribe(ctx, t)
	case types.StateReassembling:
		return types.StateAnalyzing, s.reassemble(t)
	case types.StateAnalyzing:
		if err := s.analyze(ctx, t); err != nil {
			return "", err
		}
		s.buildResult(t)
		return types.StateCompleted, nil
	}
	return "", fmt.Errorf("no transition from state %q", from)
}

// load reads local media into memory. Remote media is fetched later, after
// the cache has had a chance to answer.
func (s *Scheduler) load(t *task) error {
	in := t.job.Input
	if in.Kind == types.InputRemote {
		return nil
	}
	payload := in.Payload
	if len(payload) == 0 {
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return types.NewDecodeError("load", fmt.Errorf("read %s: %w", in.Path, err))
		}
		payload = data
	}
	if len(payload) == 0 {
		return types.NewDecodeError("load", errors.New("empty input"))
	}
	t.payload = payload
	if t.fileName == "" {
		t.fileName = filepath.Base(in.Path)
	}
	t.mu.Lock()
	t.job.Input.Payload = nil
	t.job.Input.Size = int64(len(payload))
	t.mu.Unlock()
	return nil
}

func (s *Scheduler) fingerprint(t *task) error {
	fp, err := fingerprint.Compute(t.job.Input, t.payload, t.job.Settings)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.job.Fingerprint = fp
	t.mu.Unlock()
	return nil
}

// lookup consults the cache and then history. A history hit refills the
// cache.
func (s *Scheduler) lookup(ctx context.Context, t *task) bool {
	fp := t.job.Fingerprint
	res, ok := s.deps.Cache.Get(fp)
	if !ok && s.deps.History != nil {
		e, err := s.deps.History.FindByFingerprint(ctx, fp)
		switch {
		case err == nil:
			res = &e.Result
			s.deps.Cache.Put(fp, res)
			ok = true
		case !errors.Is(err, types.ErrNotFound):
			s.log.WithError(err).WithField("job_id", t.job.ID).Warn("history lookup failed")
		}
	}
	if !ok {
		return false
	}
	t.mu.Lock()
	t.result = res
	t.job.CacheHit = true
	t.mu.Unlock()
	return true
}

func (s *Scheduler) split(ctx context.Context, t *task) error {
	in := t.job.Input
	if in.Kind == types.InputRemote {
		if s.deps.Fetcher == nil {
			return types.NewConfigurationError("remote inputs are not enabled")
		}
		media, err := s.deps.Fetcher.Fetch(ctx, in.URL, t.job.Settings.RetryBudget, t.meter.Record)
		if err != nil {
			return err
		}
		t.payload = media.Audio
		t.fileName = media.FileName
		t.title = media.Title
		if media.DurationSeconds > 0 {
			t.duration = media.DurationSeconds
		}
	}

	payload, fileName := t.payload, t.fileName
	if s.deps.Converter != nil && !chunker.IsWAV(payload) {
		wav, name, err := s.deps.Converter.ToWAV(ctx, fileName, payload)
		if err != nil {
			return err
		}
		payload, fileName = wav, name
	}

	plan, err := s.deps.Chunker.Split(t.job.ID, fileName, payload, t.duration)
	if err != nil {
		return err
	}
	if plan.DurationSeconds > 0 {
		t.duration = plan.DurationSeconds
	}
	t.payload = nil

	t.mu.Lock()
	t.job.Chunks = plan.Chunks
	t.job.Input.DurationSeconds = t.duration
	t.job.Progress = types.Progress{Total: len(plan.Chunks) + len(t.job.Settings.AnalysisTypes)}
	t.mu.Unlock()
	return nil
}

// transcribe sends every pending chunk, at most ChunkFanout at a time. The
// first chunk that exhausts its retries fails the job and stops the rest.
func (s *Scheduler) transcribe(ctx context.Context, t *task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ChunkFanout)
	for i := range t.job.Chunks {
		if t.job.Chunks[i].State == types.ChunkDone {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return s.transcribeChunk(gctx, t, i) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) transcribeChunk(ctx context.Context, t *task, i int) error {
	t.mu.Lock()
	ch := &t.job.Chunks[i]
	ch.State = types.ChunkInFlight
	req := transcription.Request{
		Audio:      ch.Payload,
		FileName:   ch.FileName,
		Language:   t.job.Settings.Language,
		ChunkIndex: ch.Index,
	}
	t.mu.Unlock()

	resp, err := s.deps.Transcriber.Transcribe(ctx, req, t.job.Settings.RetryBudget, t.meter.Record)

	t.mu.Lock()
	defer t.mu.Unlock()
	ch = &t.job.Chunks[i]
	if err != nil {
		ch.State = types.ChunkFailed
		return err
	}
	ch.State = types.ChunkDone
	ch.Payload = nil
	ch.Transcript = &types.ChunkTranscript{
		Text:         resp.Text,
		Language:     resp.Language,
		Segments:     resp.Segments,
		Confidence:   resp.Confidence,
		AudioSeconds: resp.AudioSeconds,
	}
	t.job.Progress.Completed++
	return nil
}

func (s *Scheduler) reassemble(t *task) error {
	t.mu.Lock()
	chunks := make([]types.Chunk, len(t.job.Chunks))
	copy(chunks, t.job.Chunks)
	t.mu.Unlock()

	tr, err := chunker.Reassemble(chunks)
	if err != nil {
		return err
	}
	t.transcript = tr
	if t.duration <= 0 {
		t.duration = max(tr.AudioSeconds, chunks[len(chunks)-1].EndSeconds)
	}
	return nil
}

// analyze runs the requested analyses. A failed analysis is recorded and
// the job still completes; only cancellation aborts the step. An empty
// transcript has nothing to analyze, so every kind is recorded as skipped.
func (s *Scheduler) analyze(ctx context.Context, t *task) error {
	if strings.TrimSpace(t.transcript.Text) == "" {
		t.mu.Lock()
		for _, kind := range t.job.Settings.AnalysisTypes {
			t.failures[kind] = noSpeech
			t.job.Progress.Completed++
		}
		t.mu.Unlock()
		s.log.WithField("job_id", t.job.ID).Info("no speech detected, analyses skipped")
		return ctx.Err()
	}

	var g errgroup.Group
	g.SetLimit(s.opts.ChunkFanout)
	for _, kind := range t.job.Settings.AnalysisTypes {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := s.deps.Analyzer.Analyze(ctx, t.transcript.Text, t.duration, kind, t.job.Settings, t.meter.Record)

			t.mu.Lock()
			defer t.mu.Unlock()
			if err != nil {
				t.failures[kind] = err.Error()
				s.log.WithError(err).WithFields(logrus.Fields{"job_id": t.job.ID, "analysis": kind}).Warn("analysis failed")
			} else {
				t.analysis[kind] = out
			}
			t.job.Progress.Completed++
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

func (s *Scheduler) buildResult(t *task) {
	now := s.deps.Now().UTC()
	st := t.job.Settings
	tr := t.transcript

	lang := tr.Language
	if lang == "" && st.Language != types.LanguageAuto {
		lang = st.Language
	}
	quality := "Limited"
	if len(tr.Text) > 100 {
		quality = "High"
	}

	res := &types.Result{
		JobID:             t.job.ID,
		Fingerprint:       t.job.Fingerprint,
		FileName:          t.fileName,
		Source:            t.job.Input.Source(),
		Title:             t.title,
		Language:          lang,
		Format:            st.Format,
		Transcript:        tr.Text,
		Segments:          tr.Segments,
		DurationSeconds:   t.duration,
		ChunkCount:        len(t.job.Chunks),
		Usage:             t.meter.Snapshot(),
		Quality:           types.Quality{Confidence: tr.Confidence, AnalysisQuality: quality},
		Model:             st.Model,
		ProcessingSeconds: now.Sub(t.job.CreatedAt).Seconds(),
		CreatedAt:         now,
	}
	if st.Format != types.FormatText {
		res.Formatted = chunker.Render(tr, st.Format)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.analysis) > 0 {
		res.Analysis = maps.Clone(t.analysis)
	}
	if len(t.failures) > 0 {
		res.AnalysisErrors = maps.Clone(t.failures)
	}
	t.result = res
}

func (s *Scheduler) transition(t *task, from, to types.JobState) {
	t.mu.Lock()
	t.job.State = to
	t.mu.Unlock()
	s.log.WithFields(logrus.Fields{"job_id": t.job.ID, "from": from, "to": to}).Debug("job advanced")
}

// complete publishes a freshly built result and marks the job completed.
// Results served from the cache are not published again.
func (s *Scheduler) complete(t *task) {
	t.mu.Lock()
	res, hit := t.result, t.job.CacheHit
	t.mu.Unlock()

	if !hit {
		s.publish(t.job.ID, res)
	}

	t.mu.Lock()
	if t.job.State.Terminal() {
		t.mu.Unlock()
		return
	}
	now := s.deps.Now().UTC()
	t.job.State = types.StateCompleted
	t.job.CompletedAt = &now
	if hit {
		n := res.ChunkCount + len(res.Analysis) + len(res.AnalysisErrors)
		t.job.Progress = types.Progress{Completed: n, Total: n}
	}
	t.release()
	t.mu.Unlock()
	close(t.done)

	s.log.WithFields(logrus.Fields{
		"job_id":    t.job.ID,
		"cache_hit": hit,
		"chunks":    res.ChunkCount,
		"cost_usd":  res.Usage.EstimatedCostUSD,
	}).Info("job completed")
}

// publish writes the result to history and cache under the fingerprint's
// lock. A history failure is logged; the job still succeeds.
func (s *Scheduler) publish(jobID string, res *types.Result) {
	unlock := s.locks.Lock(res.Fingerprint)
	defer unlock()

	if s.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.deps.History.Append(ctx, res); err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Error("failed to persist history entry")
		}
	}
	s.deps.Cache.Put(res.Fingerprint, res)
}

func (s *Scheduler) fail(t *task, err error) {
	t.mu.Lock()
	if t.job.State.Terminal() {
		t.mu.Unlock()
		return
	}
	from := t.job.State
	now := s.deps.Now().UTC()
	t.job.State = types.StateFailed
	t.job.Error = &types.JobError{Class: types.ClassOf(err), Reason: err.Error()}
	t.job.CompletedAt = &now
	for i := range t.job.Chunks {
		if t.job.Chunks[i].State == types.ChunkInFlight {
			t.job.Chunks[i].State = types.ChunkFailed
		}
	}
	t.result = nil
	t.release()
	t.mu.Unlock()
	close(t.done)

	s.log.WithFields(logrus.Fields{
		"job_id": t.job.ID,
		"state":  from,
		"class":  types.ClassOf(err),
		"error":  err.Error(),
	}).Warn("job failed")
}
